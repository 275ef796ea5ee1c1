package cli

import (
	"context"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"qrlink/internal/config"
	"qrlink/internal/homeserver"
	"qrlink/internal/login"
	"qrlink/internal/storage"
	"qrlink/pkg/logger"
)

// LinkCommand runs the existing-device role: it opens a rendezvous session,
// renders the QR code and drives the handshake until the new device is
// linked, declines, or the code expires.
func LinkCommand(ctx context.Context, cfg *config.Config) error {
	creds, err := storage.Load(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("not logged in on this device: %w", err)
	}

	homeserverURL := creds.Homeserver
	if cfg.Homeserver != "" {
		homeserverURL = cfg.Homeserver
	}
	hs := homeserver.New(homeserverURL, creds.AccessToken)
	initiator, err := login.NewInitiator(login.InitiatorConfig{
		RelayURL:       cfg.RelayURL,
		Homeserver:     homeserverURL,
		User:           creds.User,
		DeviceID:       creds.DeviceID,
		DeviceKey:      creds.DeviceKey,
		ReceiveTimeout: cfg.ReceiveTimeout,
		Minter:         hs,
	})
	if err != nil {
		return err
	}

	code, err := initiator.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open rendezvous session: %w", err)
	}
	encoded, err := code.Encode()
	if err != nil {
		return err
	}

	logger.Infof("Scan this QR code with the new device to link it:")
	printQRCode(string(encoded))
	logger.Infof("Or paste this code into `qrlink join -`:\n%s", string(encoded))
	logger.Infof("Waiting for the new device...")

	linked, err := initiator.Run(ctx)
	switch {
	case errors.Is(err, login.ErrDeclined):
		logger.Infof("Linking was declined.")
		return nil
	case err != nil:
		return err
	}

	logger.Infof("✓ Linked new device %s", linked.DeviceID)
	return nil
}

// printQRCode prints a QR code to the terminal.
func printQRCode(data string) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		logger.Warnf("Failed to generate QR code: %v", err)
		return
	}
	fmt.Println(qr.ToSmallString(false))
}
