package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AltynCore/keste/internal/config"
	"github.com/AltynCore/keste/internal/notify"
	"github.com/AltynCore/keste/internal/persist"
	"github.com/AltynCore/keste/internal/storage"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
	logger   *slog.Logger
	cfg      *config.Config
	notifier *notify.Notifier
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "keste",
		Short:        "Atomic SQLite workbook persistence",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}

			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: level,
			}))

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			notifier = notify.NewNotifier(cfg.Monitoring.WebhookURL, logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")

	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(loadCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(snapshotsCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(healthCmd())

	return rootCmd
}

// localEngine is the persist engine for command-line use. Paths given on
// the command line are not confined to engine.root.
func localEngine() *persist.Engine {
	opts := persist.OptionsFrom(cfg)
	opts.Root = ""
	return persist.NewEngine(opts, nil, notifier, logger)
}

func openStore() (storage.Backend, error) {
	var s3Cfg *storage.S3Config
	if cfg.Storage.Backend == "s3" {
		s3Cfg = &storage.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		}
	}

	store, err := storage.New(cfg.Storage.Backend, cfg.Storage.Path, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}
	return store, nil
}
