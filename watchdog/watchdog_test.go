package watchdog

import (
	"os"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesToDir(t *testing.T) {
	saved := log.DefaultLogger
	defer func() { log.DefaultLogger = saved }()

	dir := t.TempDir()
	require.NoError(t, Init(Config{Level: "debug", Dir: dir}))
	assert.Equal(t, log.DebugLevel, log.DefaultLogger.Level)

	Component("test").Info().Msg("hello")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(dir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, string(data), "component=test")
}

func TestGaugeThreshold(t *testing.T) {
	g := newGauge("test")
	for range 9 {
		g.Inc()
	}
	assert.Equal(t, 9, g.Load())
	assert.EqualValues(t, 8, g.threshold.Load())

	for range 6 {
		g.Dec()
	}
	assert.Equal(t, 3, g.Load())
	assert.EqualValues(t, 4, g.threshold.Load())
}
