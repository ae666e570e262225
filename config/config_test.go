package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	home := t.TempDir()
	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, Default(home), c)
	assert.Equal(t, 3*time.Second, c.Channel.AckTimeout)
	assert.Equal(t, 5*time.Minute, c.Channel.ReconnectWindow)
	assert.Equal(t, 5, c.Connections.FailureThreshold)
}

func TestLoadOverridesDefaults(t *testing.T) {
	home := t.TempDir()
	body := `
listen_port: 9100
channel:
  ack_timeout: 750ms
  reconnect_window: 1m
connections:
  cooldown: 45s
host:
  relay: relay.example.org:7443
discovery:
  multicast_port: 0
`
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte(body), 0600))

	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, 9100, c.ListenPort)
	assert.Equal(t, 750*time.Millisecond, c.Channel.AckTimeout)
	assert.Equal(t, time.Minute, c.Channel.ReconnectWindow)
	assert.Equal(t, 2*time.Minute, c.Channel.ConsensusTimeout)
	assert.Equal(t, 45*time.Second, c.Connections.Cooldown)
	assert.Equal(t, "relay.example.org:7443", c.Host.Relay)
	assert.Zero(t, c.Discovery.MulticastPort)
	assert.Equal(t, home, c.Home)
}

func TestSaveRoundTrip(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested")
	c := Default(home)
	c.Komi = 7.5
	c.Channel.MaxRounds = 5
	require.NoError(t, c.Save())

	loaded, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestLoadRejectsBadYaml(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte("channel: [unclosed"), 0600))
	_, err := Load(home)
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	c := Default("/home/x/.p2pgo")
	assert.Equal(t, "/home/x/.p2pgo/games", c.Path(c.ArchiveDir))
	assert.Equal(t, "/var/p2pgo.db", c.Path("/var/p2pgo.db"))
	assert.Equal(t, "", c.Path(""))
}
