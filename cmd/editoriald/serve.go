package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/config"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/editorial"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/server"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/version"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveFlags = struct {
	relay bool
}{relay: true}

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)

	shutdownTracer, err := telemetry.InitTracer(programName, version.Version, cfg.TraceExporter)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.NewMetrics()
	relay, pub, err := newRelay(cfg, store, logger, m)
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		return err
	}

	opts := editorial.Options{
		Store:    store,
		Gate:     access.NewGate(cfg.StaffRoles),
		Logger:   logger.With("component", "editorial"),
		Metrics:  m,
		LinkBase: cfg.LinkBase,
	}
	if cfg.IdentityURL != "" {
		opts.Directory = identity.New(cfg.IdentityURL)
	}
	if serveFlags.relay {
		opts.Waker = relay
	}
	svc := editorial.New(opts)

	mux, err := server.NewMux(server.Deps{
		Service:            svc,
		Ready:              store,
		Tokens:             newTokenValidator(cfg),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		Files:              files,
		Metrics:            m,
		Logger:             logger.With("component", "http"),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to build http mux: %w", err)
	}

	var wg sync.WaitGroup
	if serveFlags.relay {
		wg.Go(func() { _ = relay.Run(ctx) })
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "relay", serveFlags.relay)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("server failed to start: %w", err)
		}
	}

	logger.Info("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	wg.Wait()
	logger.Info("server exited")
	return nil
}

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editorial API server",
		Run:   configured(serveRun),
	}
	cmd.Flags().BoolVar(&serveFlags.relay, "relay", true, "run the outbox relay in-process")
	return cmd
}
