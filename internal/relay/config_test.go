package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("QRLINK_DATABASE_PATH", "")
	t.Setenv("QRLINK_SESSION_TTL", "")
	t.Setenv("QRLINK_POLL_WAIT", "")
	t.Setenv("DEBUG", "")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.Addr)
	require.Equal(t, 60*time.Second, cfg.SessionTTL)
	require.Equal(t, 30*time.Second, cfg.PollWait)
	require.False(t, cfg.Debug)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("QRLINK_DATABASE_PATH", "/tmp/relay.db")
	t.Setenv("QRLINK_SESSION_TTL", "90s")
	t.Setenv("QRLINK_POLL_WAIT", "10s")
	t.Setenv("DEBUG", "1")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, "/tmp/relay.db", cfg.DatabasePath)
	require.Equal(t, 90*time.Second, cfg.SessionTTL)
	require.Equal(t, 10*time.Second, cfg.PollWait)
	require.True(t, cfg.Debug)
}

func TestLoadConfigOverridesWin(t *testing.T) {
	t.Setenv("QRLINK_SESSION_TTL", "90s")

	addr := ":7777"
	ttl := 5 * time.Second
	cfg, err := Load(Overrides{Addr: &addr, SessionTTL: &ttl})
	require.NoError(t, err)
	require.Equal(t, ":7777", cfg.Addr)
	require.Equal(t, 5*time.Second, cfg.SessionTTL)
}

func TestLoadConfigRejectsBadDurations(t *testing.T) {
	t.Setenv("QRLINK_SESSION_TTL", "forever")
	_, err := Load(Overrides{})
	require.Error(t, err)
}
