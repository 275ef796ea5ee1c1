package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds CLI configuration.
type Config struct {
	// RelayURL is the base URL of the rendezvous relay.
	RelayURL string
	// Homeserver is the base URL of the homeserver used for the
	// collaborator boundary calls.
	Homeserver string
	// HomeDir is the directory where qrlink stores local state.
	HomeDir string
	// AccessKeyPath is where the access token lives.
	AccessKeyPath string
	// ReceiveTimeout bounds each wait for peer activity during a handshake.
	ReceiveTimeout time.Duration
	// Debug enables verbose logging.
	Debug bool
}

// Load loads configuration from environment and defaults.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	qrlinkHome := os.Getenv("QRLINK_HOME_DIR")
	if qrlinkHome == "" {
		qrlinkHome = filepath.Join(homeDir, ".qrlink")
	}
	if err := os.MkdirAll(qrlinkHome, 0700); err != nil {
		return nil, fmt.Errorf("failed to create qrlink home: %w", err)
	}

	relayURL := os.Getenv("QRLINK_RELAY_URL")
	if relayURL == "" {
		relayURL = "http://localhost:8090"
	}

	homeserver := os.Getenv("QRLINK_HOMESERVER")

	receiveTimeout := 2 * time.Minute
	if raw := os.Getenv("QRLINK_RECEIVE_TIMEOUT"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid QRLINK_RECEIVE_TIMEOUT: %w", err)
		}
		receiveTimeout = parsed
	}

	debug := os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1" ||
		os.Getenv("QRLINK_DEBUG") == "true" || os.Getenv("QRLINK_DEBUG") == "1"

	return &Config{
		RelayURL:       relayURL,
		Homeserver:     homeserver,
		HomeDir:        qrlinkHome,
		AccessKeyPath:  filepath.Join(qrlinkHome, "access.key"),
		ReceiveTimeout: receiveTimeout,
		Debug:          debug,
	}, nil
}
