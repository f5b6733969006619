package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/orbit/internal/api"
	"github.com/manpreetbhatti/orbit/internal/assistant"
	"github.com/manpreetbhatti/orbit/internal/auth"
	"github.com/manpreetbhatti/orbit/internal/chat"
	"github.com/manpreetbhatti/orbit/internal/execute"
	"github.com/manpreetbhatti/orbit/internal/ratelimit"
	"github.com/manpreetbhatti/orbit/internal/retention"
	"github.com/manpreetbhatti/orbit/internal/room"
	"github.com/manpreetbhatti/orbit/internal/store"
	"github.com/manpreetbhatti/orbit/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and socket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	orbit, err := st.EnsureUser(ctx, cfg.AI.Name, cfg.AI.Email, cfg.AI.Password)
	if err != nil {
		return fmt.Errorf("provision ai user: %w", err)
	}

	hub := ws.NewHub(room.NewRegistry(), logger)

	responder := assistant.New(assistant.Config{
		APIKey:    cfg.AI.APIKey,
		BaseURL:   cfg.AI.BaseURL,
		Model:     cfg.AI.Model,
		MaxTokens: cfg.AI.MaxTokens,
		Timeout:   cfg.AI.Timeout,
	}, logger)
	if cfg.AI.APIKey == "" {
		logger.Warn("ai api key not set, Orbit will answer with a fallback")
	}

	pipeline := chat.NewPipeline(chat.Config{
		AIName:        orbit.Username,
		AIEmail:       orbit.Email,
		Keywords:      cfg.AI.Keywords,
		HistoryLimit:  cfg.AI.HistoryLimit,
		ContextBudget: cfg.AI.ContextBudget,
		Timeout:       cfg.AI.Timeout + 5*time.Second,
	}, st, st, hub, responder, hub, logger)

	compileLimit := ratelimit.NewKeyed(cfg.RateLimit.CompilePerMinute/60, cfg.RateLimit.CompileBurst, cfg.RateLimit.IdleTimeout)
	compileLimit.Start(time.Minute)
	defer compileLimit.Stop()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	server := &http.Server{
		Addr: cfg.Server.Address,
		Handler: api.New(api.Config{
			Store:    st,
			Presence: hub,
			Issuer:   auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
			Verifier: verifier,
			Compiler: execute.New(execute.Config{
				Endpoint:     cfg.Execute.Endpoint,
				ClientID:     cfg.Execute.ClientID,
				ClientSecret: cfg.Execute.ClientSecret,
				VersionIndex: cfg.Execute.VersionIndex,
				Timeout:      cfg.Execute.Timeout,
			}),
			CompileLimit: compileLimit,
			Socket: &ws.Handler{
				Hub:         hub,
				Verifier:    verifier,
				Chat:        pipeline,
				CheckOrigin: originChecker(cfg.Server.AllowedOrigins),
				Logger:      logger.Named("ws"),
			},
			Logger: logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pruner := retention.New(st, retention.Config{
		Interval:  cfg.Retention.Interval,
		Keep:      cfg.Retention.Keep,
		Threshold: cfg.Retention.Threshold,
	}, logger)
	pruner.Start()
	defer pruner.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("orbit server starting",
			zap.String("address", cfg.Server.Address),
			zap.String("database", cfg.Database.Path),
			zap.String("model", cfg.AI.Model))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	hub.Wait()
	pipeline.Close()
	return err
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
