package relay

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds relay service configuration.
type Config struct {
	// Addr is the listen address for the HTTP server.
	Addr string
	// DatabasePath enables the SQLite session store when non-empty;
	// otherwise sessions live in memory.
	DatabasePath string
	// SessionTTL is how long an idle session survives. Writes refresh it.
	SessionTTL time.Duration
	// PollWait is the maximum time one GET is held open before replying 304.
	PollWait time.Duration
	// MaxBodyBytes caps a single stored message.
	MaxBodyBytes int64
	// Debug enables verbose logging.
	Debug bool
	// AllowedOrigins configures CORS.
	AllowedOrigins []string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr         *string
	DatabasePath *string
	SessionTTL   *time.Duration
	PollWait     *time.Duration
	Debug        *bool
}

// Load loads relay configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 8090
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("QRLINK_DATABASE_PATH")
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	ttl := 60 * time.Second
	if raw := os.Getenv("QRLINK_SESSION_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid QRLINK_SESSION_TTL: %w", err)
		}
		ttl = parsed
	}
	if overrides.SessionTTL != nil {
		ttl = *overrides.SessionTTL
	}

	wait := 30 * time.Second
	if raw := os.Getenv("QRLINK_POLL_WAIT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid QRLINK_POLL_WAIT: %w", err)
		}
		wait = parsed
	}
	if overrides.PollWait != nil {
		wait = *overrides.PollWait
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1"
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:           addr,
		DatabasePath:   dbPath,
		SessionTTL:     ttl,
		PollWait:       wait,
		MaxBodyBytes:   16 * 1024,
		Debug:          debug,
		AllowedOrigins: []string{"*"},
	}, nil
}
