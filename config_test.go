package agentcall

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/harshabose/agentcall/pkg/signal"
)

var configEnv = []string{
	"AGENTCALL_ROOM", "AGENTCALL_PEER_ID", "STUN_SERVER_URL", "AGENTCALL_GLARE_POLICY",
	"AGENTCALL_LOG_LEVEL", "AGENTCALL_SIGNAL_BACKEND", "REDIS_ADDR", "REDIS_PASSWORD",
	"REDIS_DB", "AGENTCALL_SQLITE_PATH", "AGENTCALL_RELAY_URL", "AGENTCALL_RELAY_LISTEN_ADDR",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, signal.DefaultRoom, cfg.Room)
	require.Equal(t, []string{DefaultSTUNServer}, cfg.STUNServers)
	require.Equal(t, "tie-break", cfg.GlarePolicy)
	require.Equal(t, BackendMemory, cfg.Signal.Backend)
	require.Equal(t, signal.DefaultTable, cfg.Signal.Firebase.Collection)
	require.Equal(t, 250*time.Millisecond, cfg.Signal.SQLite.PollInterval)
	require.Equal(t, 640, cfg.Media.MaxWidth)
	require.Equal(t, 480, cfg.Media.MaxHeight)
	require.Equal(t, 90, cfg.Media.JPEGQuality)
	require.Equal(t, NACKDefault, cfg.RTC.NACK)
	require.Empty(t, cfg.RTC.TWCC)
	require.Equal(t, BackendMemory, cfg.Relay.Backend)

	require.False(t, cfg.EnsureDefaults())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	clearConfigEnv(t)

	file := filepath.Join(t.TempDir(), "agentcall.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
room: standup
glare_policy: drop-incoming
signal:
  backend: sqlite
  sqlite:
    path: /tmp/signals.db
    poll_interval: 100ms
media:
  max_width: 1280
  max_height: 720
rtc:
  twcc: low_latency
`), 0o644))

	t.Setenv("AGENTCALL_ROOM", "retro")
	t.Setenv("STUN_SERVER_URL", "stun:a.example.com:3478,stun:b.example.com:3478")
	t.Setenv("REDIS_DB", "3")

	cfg, err := LoadConfig(file)
	require.NoError(t, err)

	require.Equal(t, "retro", cfg.Room)
	require.Equal(t, "drop-incoming", cfg.GlarePolicy)
	require.Equal(t, BackendSQLite, cfg.Signal.Backend)
	require.Equal(t, "/tmp/signals.db", cfg.Signal.SQLite.Path)
	require.Equal(t, 100*time.Millisecond, cfg.Signal.SQLite.PollInterval)
	require.Equal(t, 1280, cfg.Media.MaxWidth)
	require.Equal(t, 720, cfg.Media.MaxHeight)
	require.Equal(t, TWCCLowLatency, cfg.RTC.TWCC)
	require.Equal(t, 3, cfg.Signal.Redis.DB)
	require.Len(t, cfg.STUNServers, 2)

	rtc := cfg.RTCConfiguration()
	require.Len(t, rtc.ICEServers, 1)
	require.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, rtc.ICEServers[0].URLs)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.EnsureDefaults()
		return cfg
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"glare policy", func(c *Config) { c.GlarePolicy = "coin-flip" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"backend", func(c *Config) { c.Signal.Backend = "carrier-pigeon" }},
		{"relay without url", func(c *Config) { c.Signal.Backend = BackendRelay }},
		{"relay behind relay", func(c *Config) { c.Relay.Backend = BackendRelay }},
		{"nack preset", func(c *Config) { c.RTC.NACK = "aggressive" }},
		{"twcc preset", func(c *Config) { c.RTC.TWCC = "aggressive" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.Signal.Backend = BackendRelay
	cfg.Signal.RelayURL = "ws://localhost:8089/ws"
	require.NoError(t, cfg.Validate())
}

func TestConfigSave(t *testing.T) {
	clearConfigEnv(t)

	file := filepath.Join(t.TempDir(), "agentcall.yaml")
	cfg, err := LoadConfig(file)
	require.NoError(t, err)

	cfg.Room = "saved-room"
	cfg.Media.JPEGQuality = 75
	require.NoError(t, cfg.Save())

	loaded, err := LoadConfig(file)
	require.NoError(t, err)
	require.Equal(t, "saved-room", loaded.Room)
	require.Equal(t, 75, loaded.Media.JPEGQuality)

	require.Error(t, (&Config{}).Save())
}

func TestConfigOptions(t *testing.T) {
	cfg := &Config{}
	cfg.EnsureDefaults()

	// nack and rtcp reports by default, no twcc
	require.Len(t, cfg.ToOptions(), 2)

	cfg.RTC.TWCC = TWCCDefault
	require.Len(t, cfg.ToOptions(), 3)

	cfg.RTC.NACK = ""
	cfg.RTC.RTCPReports = ""
	cfg.RTC.TWCC = ""
	require.Empty(t, cfg.ToOptions())

	cfg.EnsureDefaults()
	cfg.PeerID = "peer_cfg"
	options, err := cfg.ControllerOptions(zaptest.NewLogger(t))
	require.NoError(t, err)

	c, err := NewController(signal.NewMemory(nil), &fakeFactory{}, newFakeMedia("cfg"), options...)
	require.NoError(t, err)
	require.Equal(t, signal.PeerID("peer_cfg"), c.PeerID())
	require.Equal(t, cfg.Room, c.Room())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger("loud")
	require.Error(t, err)
}
