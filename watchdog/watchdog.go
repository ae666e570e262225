package watchdog

import (
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

type Config struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"` //empty logs to stderr
}

// Init replaces the default logger. With a directory set, each run gets
// its own file there.
func Init(conf Config) error {
	level := log.InfoLevel
	if conf.Level != "" {
		level = log.ParseLevel(conf.Level)
	}

	writer := &log.ConsoleWriter{Writer: os.Stderr}
	if conf.Dir != "" {
		if err := os.MkdirAll(conf.Dir, os.ModePerm); err != nil {
			return err
		}
		logFile, err := os.OpenFile(filepath.Join(conf.Dir, time.Now().Format("0102_150405")+"_p2pgo.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writer = &log.ConsoleWriter{Writer: logFile}
	}

	log.DefaultLogger = log.Logger{
		Level:  level,
		Writer: writer,
	}
	Sessions.threshold.Store(4)
	Connections.threshold.Store(4)
	return nil
}

// Component derives a logger tagged with the component name.
func Component(name string) *log.Logger {
	result := log.DefaultLogger
	result.Context = log.NewContext(nil).Str("component", name).Value()
	return &result
}

// Gauge counts live objects and logs when the count doubles or halves.
type Gauge struct {
	name      string
	count     atomic.Int32
	threshold atomic.Int32
}

var (
	Sessions    = newGauge("open sessions")
	Connections = newGauge("open connections")
)

func newGauge(name string) *Gauge {
	result := new(Gauge)
	result.name = name
	result.threshold.Store(4)
	return result
}

func (g *Gauge) Load() int {
	return int(g.count.Load())
}

func (g *Gauge) Inc() {
	count := g.count.Add(1)

	current_threshold := g.threshold.Load()
	if count > current_threshold*2 {
		g.threshold.Store(current_threshold * 2)
		log.Info().Msg(g.name + ": " + strconv.Itoa(int(count)))
	}
}

func (g *Gauge) Dec() {
	count := g.count.Add(-1)

	current_threshold := g.threshold.Load()
	if count < current_threshold/2 && current_threshold > 4 {
		g.threshold.Store(current_threshold / 2)
		log.Info().Msg(g.name + ": " + strconv.Itoa(int(count)))
	}
}
