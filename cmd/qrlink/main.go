package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"qrlink/internal/cli"
	"qrlink/internal/config"
	"qrlink/pkg/logger"
)

const version = "qrlink v1.0.0"

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fs := flag.NewFlagSet("qrlink", flag.ContinueOnError)
	relay := fs.String("relay", cfg.RelayURL, "rendezvous relay base URL")
	debug := fs.Bool("debug", cfg.Debug, "enable verbose logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg.RelayURL = *relay
	cfg.Debug = *debug

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Ctrl-C cancels a waiting handshake: a decline is sent best-effort and
	// the relay session is released.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := fs.Args()
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "link":
		return cli.LinkCommand(ctx, cfg)
	case "join":
		if len(args) < 2 {
			fmt.Println("Usage: qrlink join <code|->")
			return nil
		}
		return cli.JoinCommand(ctx, cfg, args[1])
	case "version", "--version", "-v":
		fmt.Println(version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Println(`qrlink - link a new device by QR code

Usage:
  qrlink [flags] link           show a QR code and approve a new device
  qrlink [flags] join <code|->  scan/paste a code and log this device in
  qrlink version
  qrlink help

Flags:
  -relay URL   rendezvous relay base URL (QRLINK_RELAY_URL)
  -debug       enable verbose logging (QRLINK_DEBUG)`)
}
