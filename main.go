package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevemurr/rental-store/backend"
	"github.com/stevemurr/rental-store/config"
	"github.com/stevemurr/rental-store/handler"
	"github.com/stevemurr/rental-store/identity"
	"github.com/stevemurr/rental-store/store"
	"github.com/stevemurr/rental-store/verify"
)

// corsMiddleware wraps an http.Handler with CORS headers.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	// Fast path: wildcard allows everything.
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// app is everything a command needs, built from Config.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	backend  backend.Backend
	store    *store.Store
	verifier *verify.Verifier
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stderr)

	b, err := backend.New(ctx, cfg.BackendOptions())
	if err != nil {
		return nil, fmt.Errorf("create backend %q: %w", cfg.Backend, err)
	}
	s := store.New(b, store.Options{KeyPrefix: cfg.KeyPrefix, Logger: logger})
	return &app{
		cfg:      cfg,
		logger:   logger,
		backend:  b,
		store:    s,
		verifier: verify.New(s, cfg.VerifyPolicy(), logger),
	}, nil
}

func (a *app) Close() {
	if err := backend.Close(a.backend); err != nil {
		a.logger.Warn("close backend", "error", err)
	}
}

func (a *app) accounts() *identity.Service {
	return identity.New(a.verifier, identity.Options{Logger: a.logger})
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "rental-store",
		Short: "Local persistent collection store for the rental app",
		Long: `rental-store keeps JSON records grouped into named collections on a
key-value backend (json files, sqlite, bolt, redis or memory).

Configuration comes from the environment; see config.Config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCommand(),
		newSeedCommand(),
		newIDCommand(),
		newClearCommand(),
	)
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve collections over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			h := handler.New(a.verifier, a.accounts(), a.logger)
			srv := &http.Server{
				Addr:              a.cfg.Addr(),
				Handler:           corsMiddleware(h, a.cfg.AllowedOrigins),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			a.logger.Info("rental store starting",
				"addr", srv.Addr, "backend", a.cfg.Backend, "data", a.cfg.DataDir)

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
