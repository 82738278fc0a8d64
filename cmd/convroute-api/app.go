package main

import (
	"context"
	"fmt"

	"convroute/internal/auth"
	"convroute/internal/config"
	"convroute/internal/db"
	"convroute/internal/pubsub"
	"convroute/internal/service"
	"convroute/internal/store"
	"convroute/internal/store/memory"

	"go.uber.org/zap"
)

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func jwtConfig(cfg config.Config) *auth.JWTConfig {
	jc := auth.NewJWTConfig(cfg.Auth.JWTSecret)
	jc.DevHeaders = cfg.Auth.DevHeaders
	return jc
}

// openStore migrates and connects the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store, state is lost on exit")
		return memory.New(), func() {}, nil
	}
	if err := db.Migrate(ctx, cfg.Database.URL, log); err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, log)
	if err != nil {
		return nil, nil, err
	}
	return pool, pool.Close, nil
}

// services is the engine wired over one store and bus
type services struct {
	agents    *service.AgentDirectory
	teams     *service.TeamDirectory
	ledger    *service.Ledger
	router    *service.Router
	escalator *service.Escalator
	sweeper   *service.Sweeper
}

func newServices(st store.Store, bus *pubsub.Bus, log *zap.Logger) *services {
	agents := service.NewAgentDirectory(st, bus, log)
	ledger := service.NewLedger(st, agents, bus, log)
	escalator := service.NewEscalator(st, ledger, log)
	return &services{
		agents:    agents,
		teams:     service.NewTeamDirectory(st, log),
		ledger:    ledger,
		router:    service.NewRouter(st, agents, ledger, log),
		escalator: escalator,
		sweeper:   service.NewSweeper(st, bus, escalator, log),
	}
}

// withEngine loads config and runs fn against a local-mode engine
func withEngine(ctx context.Context, configPath string, fn func(cfg config.Config, svc *services, log *zap.Logger) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(cfg, newServices(st, pubsub.New(nil, log), log), log)
}
