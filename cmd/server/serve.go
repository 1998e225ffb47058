package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Studio/internal/adapters/auth"
	router "github.com/dkeye/Studio/internal/adapters/http"
	"github.com/dkeye/Studio/internal/adapters/signal"
	"github.com/dkeye/Studio/internal/app"
	"github.com/dkeye/Studio/internal/app/orch"
	"github.com/dkeye/Studio/internal/config"
	"github.com/dkeye/Studio/internal/store"
)

func newServeCmd(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the signaling gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), st.cfg)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if !cfg.Redis.Enabled {
		log.Info().Msg("using in-memory session store")
		return store.NewMemoryStore(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis session store")
	return store.NewRedisStore(client), func() { _ = client.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessions, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := app.NewRegistry()
	reg.SetStaleAfter(cfg.StaleAfter)
	o := &orch.Orchestrator{
		Registry:        reg,
		Store:           sessions,
		Policy:          app.SimplePolicy{},
		MaxParticipants: cfg.MaxParticipants,
	}

	issuer := auth.NewIssuer(cfg.JWTSecret)
	verifier := auth.Chain{auth.TokenVerifier{Issuer: issuer}, auth.SessionVerifier{}}
	limiter := signal.NewRateLimiter(cfg.RateLimit.Window, cfg.RateLimit.MaxMessages)
	gateway := signal.NewSignalWSController(o, verifier, limiter, signal.Options{
		MaxMessageSize: cfg.MaxMessageSize,
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		CleanupPeriod:  cfg.CleanupPeriod,
	})
	go gateway.Run(ctx)

	api := &router.API{
		Orch:      o,
		Store:     sessions,
		Issuer:    issuer,
		Verifier:  verifier,
		StudioURL: cfg.StudioURL,
		InviteTTL: cfg.InviteTTL,
	}
	r := router.SetupRouter(ctx, cfg, api, gateway)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Studio server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
