package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/resonancelabs/rail/internal/absorption"
	"github.com/resonancelabs/rail/internal/config"
	"github.com/resonancelabs/rail/internal/firewall"
	"github.com/resonancelabs/rail/internal/kuramoto"
	"github.com/resonancelabs/rail/internal/metrics"
	"github.com/resonancelabs/rail/internal/monitor"
	"github.com/resonancelabs/rail/internal/rail"
	"github.com/resonancelabs/rail/internal/ratelimit"
	"github.com/resonancelabs/rail/internal/router"
	"github.com/resonancelabs/rail/internal/server"
	"github.com/resonancelabs/rail/internal/store"

	authpkg "github.com/resonancelabs/rail/internal/auth"
)

func main() {
	configPath := flag.String("config", "rail.yaml", "path to the YAML configuration")
	flag.Parse()

	// .env is optional; the environment always wins over the file.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("configuration load failed", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.Required && cfg.Auth.AdminSecret == "" {
		logger.Error("RAIL_ADMIN_SECRET is required when auth is enabled")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Error("data directory unavailable", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.Storage.DataDir, "rail.db"))
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.Storage.RetainMessages > 0 {
		if n, err := st.PruneMessageLogByCount(cfg.Storage.RetainMessages); err == nil && n > 0 {
			logger.Info("pruned message log", "removed", n)
		}
	}

	mon := monitor.New()
	met, registry := metrics.New()

	registryAuth := authpkg.NewRegistry(cfg.Auth.AdminSecret, st, mon)
	if err := registryAuth.Restore(); err != nil {
		logger.Warn("enrollment restore failed", "error", err)
	}

	engine := kuramoto.New(kuramoto.Config{
		Coupling:            cfg.Engine.Coupling,
		KMin:                cfg.Engine.KMin,
		KMax:                cfg.Engine.KMax,
		CoherenceThreshold:  cfg.Engine.CoherenceThreshold,
		GroupthinkThreshold: cfg.Engine.GroupthinkThreshold,
		CrossModelFactor:    cfg.Engine.CrossModelFactor,
	})
	route := router.New(router.Config{
		LoadWeight:      cfg.Router.LoadWeight,
		CoherenceWeight: cfg.Router.CoherenceWeight,
		SemanticWeight:  cfg.Router.SemanticWeight,
		Temperature:     cfg.Router.Temperature,
	}, rand.NewSource(time.Now().UnixNano()))
	guard := firewall.New(firewall.Profile(cfg.Firewall.Profile), mon)

	core := rail.New(rail.Config{
		Engine:       engine,
		Router:       route,
		Guard:        guard,
		Store:        st,
		Auth:         registryAuth,
		Absorption:   absorption.New(),
		Monitor:      mon,
		Metrics:      met,
		TickInterval: time.Duration(cfg.Engine.TickIntervalMs) * time.Millisecond,
	})
	core.Start()

	srv := server.New(server.Config{
		Rail:     cfg,
		Core:     core,
		Auth:     registryAuth,
		Limiter:  ratelimit.New(mon),
		Metrics:  met,
		Registry: registry,
	})

	broadcaster := rail.NewMetadataBroadcaster(core,
		time.Duration(cfg.Broadcast.MetadataIntervalMs)*time.Millisecond,
		cfg.Broadcast.FullSnapshotEvery,
		srv.ObserverCount)
	broadcaster.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", "error", err)
			os.Exit(1)
		}
		return
	}

	broadcaster.Stop()
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.GraceSeconds+5)*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("rail stopped cleanly")
}
