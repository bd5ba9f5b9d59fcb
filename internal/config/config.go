package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/Martian-dev/mailsync/internal/mail"
)

type AppConfig struct {
	APIPort   string `env:"PORT" envDefault:"8080"`
	JWKSURL   string `env:"AUTH_JWKS_URL"`
	AuthURL   string `env:"BETTER_AUTH_URL" envDefault:"http://localhost:3000"`
	AuthToken string `env:"BETTER_AUTH_SERVICE_TOKEN"`
}

type LoggerConfig struct {
	DevMode  bool   `env:"LOG_DEV_MODE" envDefault:"false"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type StoreConfig struct {
	Driver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	Path   string `env:"STORE_PATH" envDefault:"data/mailsync.db"`
}

type SyncConfig struct {
	PageSize        int           `env:"SYNC_PAGE_SIZE" envDefault:"50"`
	CallTimeout     time.Duration `env:"SYNC_CALL_TIMEOUT" envDefault:"30s"`
	RefreshSchedule string        `env:"SYNC_REFRESH_SCHEDULE" envDefault:"@every 5m"`
	AutoSyncFolders []string      `env:"SYNC_AUTO_FOLDERS" envDefault:"inbox,sent,drafts" envSeparator:","`
}

type UploadConfig struct {
	MaxAttempts        int           `env:"UPLOAD_MAX_ATTEMPTS" envDefault:"8"`
	BackoffMin         time.Duration `env:"UPLOAD_BACKOFF_MIN" envDefault:"2s"`
	BackoffMax         time.Duration `env:"UPLOAD_BACKOFF_MAX" envDefault:"5m"`
	BackoffFactor      float64       `env:"UPLOAD_BACKOFF_FACTOR" envDefault:"2"`
	AccountConcurrency int64         `env:"UPLOAD_ACCOUNT_CONCURRENCY" envDefault:"4"`
}

type NatsConfig struct {
	URL     string `env:"NATS_URL"`
	Subject string `env:"NATS_SUBJECT_PREFIX" envDefault:"mailsync"`
}

type Config struct {
	App    *AppConfig
	Logger *LoggerConfig
	Store  *StoreConfig
	Sync   *SyncConfig
	Upload *UploadConfig
	Nats   *NatsConfig
}

// InitConfig loads .env (if present) and parses the environment
func InitConfig() (*Config, error) {
	cfg := &Config{
		App:    &AppConfig{},
		Logger: &LoggerConfig{},
		Store:  &StoreConfig{},
		Sync:   &SyncConfig{},
		Upload: &UploadConfig{},
		Nats:   &NatsConfig{},
	}

	if err := godotenv.Load(); err != nil {
		log.Print("Unable to load .env file")
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AutoSyncFolderTypes returns the configured folder roles, ignoring unknown names
func (c *SyncConfig) AutoSyncFolderTypes() []mail.FolderType {
	var types []mail.FolderType
	for _, s := range c.AutoSyncFolders {
		if t, ok := mail.ParseFolderType(strings.TrimSpace(strings.ToLower(s))); ok {
			types = append(types, t)
		}
	}
	return types
}
