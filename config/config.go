package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p2pgo/p2pgo_core/channel"
	"github.com/p2pgo/p2pgo_core/connmgr"
	"github.com/p2pgo/p2pgo_core/host"
	"github.com/p2pgo/p2pgo_core/lobby"
	"github.com/p2pgo/p2pgo_core/relay"
	"github.com/p2pgo/p2pgo_core/watchdog"
)

const FileName = "config.yaml"

type Discovery struct {
	MulticastPort     uint16        `yaml:"multicast_port"` //0 disables LAN announcements
	MulticastInterval time.Duration `yaml:"multicast_interval"`
	Directory         string        `yaml:"directory"` //https URL of a relay's ticket directory
	DirectoryPoll     time.Duration `yaml:"directory_poll"`
}

type Config struct {
	Home string `yaml:"-"`

	Identity    string  `yaml:"identity"` //OpenSSH PEM private key
	ListenPort  int     `yaml:"listen_port"`
	ArchiveDir  string  `yaml:"archive_dir"`
	JournalPath string  `yaml:"journal_path"`
	Komi        float64 `yaml:"komi"`

	Host        host.Config     `yaml:"host"`
	Channel     channel.Config  `yaml:"channel"`
	Connections connmgr.Config  `yaml:"connections"`
	Discovery   Discovery       `yaml:"discovery"`
	RelayServer relay.Config    `yaml:"relay_server"`
	Log         watchdog.Config `yaml:"log"`
}

func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".p2pgo"
	}
	return filepath.Join(home, ".p2pgo")
}

func Default(home string) *Config {
	return &Config{
		Home:        home,
		Identity:    "identity.pem",
		ListenPort:  7000,
		ArchiveDir:  "games",
		JournalPath: "journal.db",
		Komi:        6.5,
		Host: host.Config{
			Lobby: lobby.DefaultConfig(),
		},
		Channel:     channel.DefaultConfig(),
		Connections: connmgr.DefaultConfig(),
		Discovery: Discovery{
			MulticastPort:     7001,
			MulticastInterval: 5 * time.Second,
			DirectoryPoll:     10 * time.Second,
		},
		RelayServer: relay.DefaultConfig(),
		Log: watchdog.Config{
			Level: "info",
			Dir:   "log",
		},
	}
}

// Load reads home/config.yaml over the defaults. A missing file is not an
// error.
func Load(home string) (*Config, error) {
	result := Default(home)
	data, err := os.ReadFile(filepath.Join(home, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, result); err != nil {
		return nil, err
	}
	result.Home = home
	return result, nil
}

func (c *Config) Save() error {
	if err := os.MkdirAll(c.Home, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.Home, FileName), data, 0600)
}

// Path resolves p against the home directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}
