// Package main implements the editoriald command: the editorial workflow
// API server, its outbox relay and schema migration.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/config"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const (
	programName = "editoriald"
)

func slogPrintf(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...),
		"component", programName,
	)
}

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

// commonRun configures the process-wide logger. Debug logging is on with
// --debug or in the dev environment.
func commonRun(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	addSource := false
	if globalFlags.debug || cfg.Env == "dev" {
		logLevel = slog.LevelDebug
		addSource = globalFlags.debug
	}
	logger := slog.New(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			AddSource: addSource,
			Level:     logLevel,
		}),
	)
	slog.SetDefault(logger)
	// Configure max processes with our logger wrapper, toss undo func
	if _, err := maxprocs.Set(maxprocs.Logger(slogPrintf)); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	logger.Info(
		"version: "+version.GetVersionString(),
		"component", programName,
	)
	return logger
}

// configured adapts a run function to cobra, pulling the Config loaded by
// the root command out of the command context.
func configured(run func(*cobra.Command, *config.Config) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		cfg := config.FromContext(cmd.Context())
		if cfg == nil {
			slog.Error("no config found in context")
			os.Exit(1)
		}
		if err := run(cmd, cfg); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip config loading
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", programName, version.GetVersionString())
		},
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Manuscript editorial workflow service",
		SilenceUsage: true,
		Run:          configured(serveRun),
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(relayCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

func main() {
	// Execute cobra command
	if err := newRootCommand().Execute(); err != nil {
		// NOTE: we purposely don't display the error, since cobra will have already displayed it
		os.Exit(1)
	}
}
