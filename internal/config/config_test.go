package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cardboardhrv/internal/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, constants.PingInterval, cfg.Connection.PingInterval)
	require.Equal(t, constants.SampleWindow, cfg.Sensor.Window)
	require.Equal(t, constants.DefaultRelayChannel, cfg.Relay.Channel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: cache:6379
  db: 2
connection:
  ping_interval: 5s
  presence_timeout: 15s
  recording_timeout: 3s
sensor:
  frame_rate: 15
`)
	t.Setenv(EnvRedisHost, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "cache:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 5*time.Second, cfg.Connection.PingInterval)
	require.Equal(t, 15*time.Second, cfg.Connection.PresenceTimeout)
	require.Equal(t, 3*time.Second, cfg.Connection.RecordingTimeout)
	require.Equal(t, 15, cfg.Sensor.FrameRate)
	// Untouched values keep their defaults.
	require.Equal(t, constants.InitTimeout, cfg.Connection.InitTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "redis:\n  addr: cache:6379\n")
	t.Setenv(EnvRedisHost, "redis.internal")
	t.Setenv(EnvRedisPort, "6380")
	t.Setenv(EnvRelayURL, "ws://relay:8090")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, "ws://relay:8090", cfg.Relay.URL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"presence shorter than ping", "connection:\n  ping_interval: 10s\n  presence_timeout: 5s\n"},
		{"frame rate", "sensor:\n  frame_rate: 0\n"},
		{"empty channel", "relay:\n  channel: \"\"\n"},
		{"bad yaml", "connection: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnv(t *testing.T) {
	t.Setenv("CARDBOARDHRV_TEST_VALUE", "set")
	t.Setenv("CARDBOARDHRV_TEST_EMPTY", "")
	require.Equal(t, "set", Env("CARDBOARDHRV_TEST_VALUE", "default"))
	require.Equal(t, "default", Env("CARDBOARDHRV_TEST_EMPTY", "default"))
	require.Equal(t, "default", Env("CARDBOARDHRV_TEST_UNSET", "default"))
}
