package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/certificate"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/config"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/event"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/media"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/notify"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/outbox"
	"github.com/RegistryAccord/registryaccord-editorial-go/internal/storage"
)

// openStore opens the configured backend. SQL backends create their schema
// on open.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch cfg.Store {
	case config.StorePostgres:
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
	case config.StoreSQLite:
		store, err = storage.NewSQLite(cfg.DatabaseDSN, logger)
	case config.StoreMySQL:
		store, err = storage.NewMySQL(cfg.DatabaseDSN, logger)
	default:
		store = storage.NewMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Store, err)
	}
	logger.Info("storage ready", "store", cfg.Store)
	return store, nil
}

// newRelay wires the outbox relay with its collaborators. The returned
// publisher must be closed by the caller.
func newRelay(cfg *config.Config, store storage.Store, logger *slog.Logger, m *metrics.Metrics) (*outbox.Relay, event.Publisher, error) {
	var issuer outbox.Issuer = certificate.LogIssuer{Logger: logger}
	if cfg.CertificateURL != "" {
		issuer = certificate.New(cfg.CertificateURL)
	}

	dispatchers := notify.Multi{notify.LogDispatcher{Logger: logger}}
	if cfg.MailConfigured() {
		mailer, err := notify.NewMail(notify.SMTPConfig{
			Host:          cfg.SMTPHost,
			Port:          cfg.SMTPPort,
			User:          cfg.SMTPUser,
			Password:      cfg.SMTPPassword,
			From:          cfg.SMTPFrom,
			SkipTLSVerify: cfg.SMTPSkipTLSVerify,
			LinkBase:      cfg.LinkBase,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		dispatchers = append(dispatchers, mailer)
	}

	pub := event.NewPublisher(cfg.NATSURL, m)
	relay := outbox.New(outbox.Options{
		Store:      store,
		Issuer:     issuer,
		Dispatcher: dispatchers,
		Publisher:  pub,
		Config: outbox.Config{
			Interval:    cfg.RelayInterval,
			Batch:       cfg.RelayBatch,
			MaxAttempts: cfg.RelayMaxAttempts,
		},
		Logger:  logger.With("component", "outbox"),
		Metrics: m,
	})
	return relay, pub, nil
}

func newFileStore(ctx context.Context, cfg *config.Config) (media.Store, error) {
	policy := media.Policy{MaxSize: cfg.MaxFileSize, AllowedTypes: cfg.AllowedFileTypes}
	if !cfg.S3Configured() {
		return media.Local{Policy: policy}, nil
	}
	return media.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, policy)
}

// newTokenValidator fetches keys from the configured JWKS endpoint, falling
// back to the issuer's well-known location.
func newTokenValidator(cfg *config.Config) *jwks.Client {
	url := cfg.JWKSURL
	if url == "" {
		url = strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}
	return jwks.NewClient(url)
}
