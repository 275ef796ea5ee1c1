// Package storage persists the credentials a successful link produces.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the local record of a linked session.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	User        string `json:"user"`
	DeviceID    string `json:"device_id"`
	DeviceKey   string `json:"device_key,omitempty"`
	AccessToken string `json:"access_token"`
	MasterKey   string `json:"master_key,omitempty"`
}

const credentialsFile = "credentials.json"

// Save writes credentials under the home directory with owner-only
// permissions.
func Save(homeDir string, creds Credentials) error {
	if err := os.MkdirAll(homeDir, 0700); err != nil {
		return fmt.Errorf("failed to create home directory: %w", err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	path := filepath.Join(homeDir, credentialsFile)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// Load reads previously saved credentials.
func Load(homeDir string) (Credentials, error) {
	data, err := os.ReadFile(filepath.Join(homeDir, credentialsFile))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds, nil
}
