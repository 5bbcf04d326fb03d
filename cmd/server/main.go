package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/party-room/internal/auth"
	"github.com/DoyleJ11/party-room/internal/config"
	"github.com/DoyleJ11/party-room/internal/httpapi"
	"github.com/DoyleJ11/party-room/internal/hub"
	"github.com/DoyleJ11/party-room/internal/lobby"
	"github.com/DoyleJ11/party-room/internal/logging"
	"github.com/DoyleJ11/party-room/internal/results"
	"github.com/DoyleJ11/party-room/internal/roomcache"
	"github.com/DoyleJ11/party-room/internal/ws"
)

func main() {
	cfg := config.LoadServer()
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Server, logger *zap.Logger) error {
	checks := map[string]httpapi.HealthCheck{}
	lobbyOpts := lobby.Options{Logger: logger}

	if cfg.RedisAddr != "" {
		rdb := roomcache.NewClient(cfg.RedisAddr)
		defer rdb.Close()
		cache := roomcache.New(rdb, cfg.RoomCacheTTL)
		lobbyOpts.Mirror = cache
		checks["redis"] = cache.Ping
		logger.Info("room cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	var store httpapi.ResultStore
	if cfg.DatabaseURL != "" {
		db, err := results.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		s := results.NewStore(db)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		store = s
		checks["postgres"] = s.Ping
		logger.Info("result routes enabled")
	}

	h := hub.NewHub(ctx, lobbyOpts)

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(httpapi.Deps{
		Hub:        h,
		Auth:       auth.NewManager(cfg.JWTSecret, cfg.TokenTTL),
		MaxPlayers: cfg.MaxPlayers,
		Results:    store,
		Checks:     checks,
		Socket: ws.Options{
			AuthTimeout: cfg.AuthTimeout,
			Rate:        rate.Limit(cfg.SocketRate),
			Burst:       cfg.SocketBurst,
			Logger:      logger,
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		h.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
