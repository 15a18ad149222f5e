package main

import (
	"os/signal"
	"syscall"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/config"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/spf13/cobra"
)

var relayFlags = struct {
	once bool
}{}

// relayRun delivers outbox events without serving HTTP, for deployments
// that run `serve --relay=false`.
func relayRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)
	if cfg.Store == config.StoreMemory {
		logger.Warn("relay started against the memory store; it will never see events written by another process")
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	relay, pub, err := newRelay(cfg, store, logger, metrics.NewMetrics())
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if relayFlags.once {
		n, err := relay.DeliverPending(ctx)
		if err != nil {
			return err
		}
		logger.Info("outbox drained", "delivered", n)
		return nil
	}
	return relay.Run(ctx)
}

func relayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver pending outbox events",
		Run:   configured(relayRun),
	}
	cmd.Flags().BoolVar(&relayFlags.once, "once", false, "make a single delivery pass and exit")
	return cmd
}
