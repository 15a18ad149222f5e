package main

import (
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/config"
	"github.com/spf13/cobra"
)

func migrateRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)
	if cfg.Store == config.StoreMemory {
		logger.Info("memory store has no schema to migrate")
		return nil
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	if err := store.Ping(cmd.Context()); err != nil {
		store.Close()
		return err
	}
	logger.Info("schema up to date", "store", cfg.Store)
	return store.Close()
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Run:   configured(migrateRun),
	}
}
