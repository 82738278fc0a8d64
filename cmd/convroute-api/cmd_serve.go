package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"convroute/internal/api"
	"convroute/internal/config"
	"convroute/internal/jobs"
	"convroute/internal/pubsub"
	"convroute/internal/schema"
	"convroute/internal/service"
	"convroute/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	// Redis connection
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", zap.Error(err))
			return err
		}
	} else {
		logger.Warn("Redis disabled: no event replay, no response timeout jobs")
	}

	// Pub/sub bus
	bus := pubsub.New(rdb, logger)
	if cfg.AMQP.URL != "" {
		conn, err := pubsub.DialWithRetry(ctx, pubsub.DialOptions{
			URL:      cfg.AMQP.URL,
			Attempts: 5,
			Delay:    time.Second,
			MaxDelay: 30 * time.Second,
		}, logger)
		if err != nil {
			logger.Error("Failed to connect to AMQP", zap.Error(err))
			return err
		}
		publisher, err := pubsub.NewAMQPPublisher(conn, cfg.AMQP.Exchange, logger)
		if err != nil {
			conn.Close()
			return err
		}
		defer publisher.Close()
		bus.SetForwarder(publisher)
	}

	// WebSocket hub
	hub := ws.NewHub(logger)
	if streams := bus.GetStreams(); streams != nil {
		hub.SetStreamsProvider(streams)
	}
	go hub.Run()
	defer hub.Close()
	bus.SetWSHub(hub)

	svc := newServices(st, bus, logger)
	hub.SetCommandHandler(ws.NewCommandHandler(svc.ledger, svc.agents, svc.teams, logger))

	// Background jobs
	if cfg.Redis.Addr != "" {
		jobServer, jobClient := jobs.NewJobServer(cfg.Redis.Addr, svc.escalator, logger)
		if err := jobServer.Start(); err != nil {
			logger.Error("Job server failed", zap.Error(err))
			return err
		}
		defer jobServer.Stop()
		svc.ledger.SetJobClient(service.NewAsynqJobClient(jobClient))
	}

	if drift, err := svc.ledger.ReconcileChatCounts(ctx, true); err != nil {
		logger.Warn("Failed to reconcile chat counts on startup", zap.Error(err))
	} else if len(drift) > 0 {
		logger.Warn("Repaired chat count drift on startup", zap.Int("agents", len(drift)))
	}
	if orphans, err := svc.ledger.FindOrphanedHandoffs(ctx); err == nil && len(orphans) > 0 {
		logger.Warn("Found handoffs without a successor", zap.Int("count", len(orphans)))
	}

	scheduler := jobs.NewScheduler(logger)
	err = scheduler.Register("sweep", cfg.Sweeper.Schedule, func(ctx context.Context) error {
		_, err := svc.sweeper.Sweep(ctx, cfg.Sweeper.TimeoutMinutes, cfg.Sweeper.AutoEscalate)
		return err
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	schemas, err := schema.NewCompilerWithCache(64)
	if err != nil {
		return err
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.PerMinute > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, logger)
	}

	// HTTP router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Timeout middleware - skip for WebSocket upgrades
	timeout := middleware.Timeout(cfg.RequestTimeout())
	r.Use(func(next http.Handler) http.Handler {
		withTimeout := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			withTimeout.ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", api.Routes(api.Dependencies{
		Agents:              svc.agents,
		Teams:               svc.teams,
		Ledger:              svc.ledger,
		Router:              svc.router,
		Sweeper:             svc.sweeper,
		Schemas:             schemas,
		Hub:                 hub,
		JWT:                 jwtConfig(cfg),
		Limiter:             limiter,
		Log:                 logger,
		DefaultMaxChats:     cfg.Routing.DefaultMaxChats,
		SweepTimeoutMinutes: cfg.Sweeper.TimeoutMinutes,
	}))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	logger.Info("Starting server", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Driver))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}
