package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"qrlink/internal/relay"
	"qrlink/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite path for durable sessions (default: in-memory)")
	ttl := flag.Duration("ttl", 0, "session TTL (overrides QRLINK_SESSION_TTL)")
	wait := flag.Duration("wait", 0, "long-poll hold time (overrides QRLINK_POLL_WAIT)")
	debug := flag.Bool("debug", false, "enable verbose logging")
	flag.Parse()

	overrides := relay.Overrides{}
	if *addr != "" {
		overrides.Addr = addr
	}
	if *dbPath != "" {
		overrides.DatabasePath = dbPath
	}
	if *ttl > 0 {
		overrides.SessionTTL = ttl
	}
	if *wait > 0 {
		overrides.PollWait = wait
	}
	if *debug {
		overrides.Debug = debug
	}

	cfg, err := relay.Load(overrides)
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var store relay.Store
	if cfg.DatabasePath != "" {
		logger.Infof("Opening session database: %s", cfg.DatabasePath)
		store, err = relay.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			logger.Errorf("Failed to open database: %v", err)
			os.Exit(1)
		}
	} else {
		store = relay.NewMemoryStore()
	}
	defer store.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(relay.LoggingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"ETag", "Location", "Expires"},
	}))

	router.GET("/", func(c *gin.Context) {
		c.String(200, "qrlink rendezvous relay")
	})

	handler := relay.NewHandler(store, cfg)
	handler.Register(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	handler.StartSweeper(ctx, 10*time.Second)

	logger.Infof("Rendezvous relay listening on %s (ttl=%s wait=%s)",
		cfg.Addr, cfg.SessionTTL, cfg.PollWait)

	errCh := make(chan error, 1)
	go func() {
		errCh <- router.Run(cfg.Addr)
	}()
	select {
	case err := <-errCh:
		logger.Errorf("Server error: %v", err)
		os.Exit(1)
	case <-ctx.Done():
		logger.Infof("Shutting down")
	}
}
