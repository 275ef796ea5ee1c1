package cli

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"qrlink/internal/config"
	"qrlink/internal/homeserver"
	"qrlink/internal/login"
	"qrlink/internal/storage"
	"qrlink/internal/wire"
	"qrlink/pkg/logger"
)

// JoinCommand runs the new-device role: it parses a scanned/pasted login
// code, drives the handshake, logs in with the received token and saves the
// resulting credentials.
func JoinCommand(ctx context.Context, cfg *config.Config, rawCode string) error {
	if rawCode == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read code from stdin: %w", err)
		}
		rawCode = strings.TrimSpace(string(data))
	}

	code, err := wire.ParseQRLoginCode([]byte(rawCode))
	if err != nil {
		return err
	}

	deviceID, deviceKey, err := newDeviceIdentity()
	if err != nil {
		return err
	}
	logger.Debugf("joining as device %s", deviceID)

	responder, err := login.NewResponder(code, login.ResponderConfig{
		DeviceID:       deviceID,
		DeviceKey:      deviceKey,
		ReceiveTimeout: cfg.ReceiveTimeout,
		Bootstrapper:   homeserver.New("", ""),
	})
	if err != nil {
		return err
	}

	logger.Infof("Waiting for the existing device to approve...")
	creds, err := responder.Run(ctx)
	switch {
	case errors.Is(err, login.ErrDeclined):
		logger.Infof("The existing device declined the request.")
		return nil
	case err != nil:
		return err
	}

	record := storage.Credentials{
		Homeserver:  creds.Homeserver,
		User:        creds.User,
		DeviceID:    creds.Session.DeviceID,
		DeviceKey:   deviceKey,
		AccessToken: creds.Session.AccessToken,
		MasterKey:   creds.Session.MasterKey,
	}
	if err := storage.Save(cfg.HomeDir, record); err != nil {
		return err
	}

	logger.Infof("✓ Logged in as %s on %s", creds.User, creds.Homeserver)
	logger.Infof("Approved by device %s", creds.VerifyingDeviceID)
	logger.Infof("Credentials saved to: %s", cfg.HomeDir)
	return nil
}

// newDeviceIdentity generates a fresh device ID and device key for this
// install.
func newDeviceIdentity() (string, string, error) {
	id := make([]byte, 5)
	if _, err := rand.Read(id); err != nil {
		return "", "", fmt.Errorf("failed to generate device id: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", "", fmt.Errorf("failed to generate device key: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(id)),
		base64.StdEncoding.EncodeToString(key), nil
}
