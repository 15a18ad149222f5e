// Package config provides configuration loading for editoriald.
// Values come from defaults, then an optional YAML file, then EDITORIAL_*
// environment variables, in increasing precedence.
package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/access"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// init loads .env and .env.local when present. godotenv never overrides
// variables already set, so the OS environment wins.
func init() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load %s file: %v\n", f, err)
		}
	}
}

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
)

const envPrefix = "editorial"

type ctxKey string

const configContextKey ctxKey = "editorial.config"

// WithContext returns a copy of ctx carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the Config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Config captures the settings needed to wire editoriald.
type Config struct {
	Env   string `yaml:"env"   split_words:"true"`
	Port  string `yaml:"port"  split_words:"true"`
	Store string `yaml:"store" split_words:"true"`
	// DSN for postgres/mysql; file path for sqlite (empty means in-memory).
	DatabaseDSN string `yaml:"databaseDsn" envconfig:"DB_DSN"`

	NATSURL string `yaml:"natsUrl" envconfig:"NATS_URL"`

	S3Endpoint  string `yaml:"s3Endpoint"  envconfig:"S3_ENDPOINT"`
	S3Region    string `yaml:"s3Region"    envconfig:"S3_REGION"`
	S3Bucket    string `yaml:"s3Bucket"    envconfig:"S3_BUCKET"`
	S3AccessKey string `yaml:"s3AccessKey" envconfig:"S3_ACCESS_KEY"`
	S3SecretKey string `yaml:"s3SecretKey" envconfig:"S3_SECRET_KEY"`

	JWTIssuer   string `yaml:"jwtIssuer"   envconfig:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwtAudience" envconfig:"JWT_AUDIENCE"`
	JWKSURL     string `yaml:"jwksUrl"     envconfig:"JWKS_URL"`

	IdentityURL    string `yaml:"identityUrl"    envconfig:"IDENTITY_URL"`
	CertificateURL string `yaml:"certificateUrl" envconfig:"CERTIFICATE_URL"`

	SMTPHost          string `yaml:"smtpHost"          envconfig:"SMTP_HOST"`
	SMTPPort          int    `yaml:"smtpPort"          envconfig:"SMTP_PORT"`
	SMTPUser          string `yaml:"smtpUser"          envconfig:"SMTP_USER"`
	SMTPPassword      string `yaml:"smtpPassword"      envconfig:"SMTP_PASS"`
	SMTPFrom          string `yaml:"smtpFrom"          envconfig:"SMTP_FROM"`
	SMTPSkipTLSVerify bool   `yaml:"smtpSkipTlsVerify" envconfig:"SMTP_SKIP_TLS_VERIFY"`
	LinkBase          string `yaml:"linkBase"          envconfig:"LINK_BASE"`

	StaffRoles []string `yaml:"staffRoles" envconfig:"STAFF_ROLES"`

	RelayInterval    time.Duration `yaml:"relayInterval"    envconfig:"RELAY_INTERVAL"`
	RelayBatch       int           `yaml:"relayBatch"       envconfig:"RELAY_BATCH"`
	RelayMaxAttempts int           `yaml:"relayMaxAttempts" envconfig:"RELAY_MAX_ATTEMPTS"`

	MaxFileSize      int64    `yaml:"maxFileSize"      envconfig:"MAX_FILE_SIZE"`
	AllowedFileTypes []string `yaml:"allowedFileTypes" envconfig:"ALLOWED_FILE_TYPES"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins" envconfig:"CORS_ALLOWED_ORIGINS"`

	TraceExporter string `yaml:"traceExporter" envconfig:"TRACE_EXPORTER"`
}

// Defaults returns the configuration used before any file or variable applies.
func Defaults() Config {
	return Config{
		Env:              "dev",
		Port:             "8080",
		Store:            StoreMemory,
		S3Region:         "us-east-1",
		SMTPPort:         587,
		StaffRoles:       slices.Clone(access.DefaultStaffRoles),
		RelayInterval:    5 * time.Second,
		RelayBatch:       50,
		RelayMaxAttempts: 5,
		MaxFileSize:      50 * 1024 * 1024,
		AllowedFileTypes: []string{
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/x-tex",
			"application/zip",
		},
		TraceExporter: "none",
	}
}

// Load builds a Config. path names an optional YAML file; an empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.StaffRoles = clean(cfg.StaffRoles, strings.ToUpper)
	cfg.AllowedFileTypes = clean(cfg.AllowedFileTypes, strings.ToLower)
	cfg.CORSAllowedOrigins = clean(cfg.CORSAllowedOrigins, nil)
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot be wired.
func (c *Config) Validate() error {
	if c.JWTIssuer == "" {
		return fmt.Errorf("EDITORIAL_JWT_ISSUER is required")
	}
	if c.JWTAudience == "" {
		return fmt.Errorf("EDITORIAL_JWT_AUDIENCE is required")
	}
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres, StoreMySQL:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("EDITORIAL_DB_DSN is required for the %s store", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q (must be memory, postgres, sqlite or mysql)", c.Store)
	}
	if c.RelayInterval <= 0 || c.RelayBatch <= 0 || c.RelayMaxAttempts <= 0 {
		return fmt.Errorf("relay interval, batch and max attempts must be positive")
	}
	if len(c.StaffRoles) == 0 {
		return fmt.Errorf("at least one staff role is required")
	}
	return nil
}

// MailConfigured reports whether SMTP delivery can be enabled.
func (c *Config) MailConfigured() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}

// S3Configured reports whether uploads go to an object store.
func (c *Config) S3Configured() bool {
	return c.S3Bucket != ""
}

func clean(in []string, norm func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if norm != nil {
			v = norm(v)
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
