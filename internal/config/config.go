// Package config loads the notrition settings from NTR_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/auth"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/store"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "NTR_"

const defaultArchivePushDelay = 30 * time.Second

// Config holds the application settings. Field tags are the lower-cased variable names
// without the prefix: NTR_STORE_DRIVER is store_driver.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`

	StoreDriver string `koanf:"store_driver"`
	StoreDSN    string `koanf:"store_dsn"`

	ArchivePath      string        `koanf:"archive_path"`
	ArchiveRemoteURL string        `koanf:"archive_remote_url"`
	ArchivePassword  string        `koanf:"archive_password"`
	ArchiveBranch    string        `koanf:"archive_branch"`
	ArchivePushDelay time.Duration `koanf:"archive_push_delay"`

	RedisURL string `koanf:"redis_url"`

	NotionBaseURL       string `koanf:"notion_base_url"`
	NotionMaxChildPages int    `koanf:"notion_max_child_pages"`
	NotionClientID      string `koanf:"notion_client_id"`
	NotionClientSecret  string `koanf:"notion_client_secret"`
	NotionRedirectURL   string `koanf:"notion_redirect_url"`

	EdamamBaseURL string `koanf:"edamam_base_url"`
	EdamamAppID   string `koanf:"edamam_app_id"`
	EdamamAppKey  string `koanf:"edamam_app_key"`

	SessionSecret string        `koanf:"session_secret"`
	SessionTTL    time.Duration `koanf:"session_ttl"`

	LogFormat string `koanf:"log_format"`
}

// Default returns the settings used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		StoreDriver:         store.DriverSQLite,
		StoreDSN:            "notrition.db",
		ArchiveBranch:       "main",
		ArchivePushDelay:    defaultArchivePushDelay,
		NotionBaseURL:       notion.BaseURL,
		NotionMaxChildPages: notion.DefaultMaxChildPages,
		SessionTTL:          auth.DefaultTTL,
		LogFormat:           "text",
	}
}

// Load reads the NTR_ environment variables on top of the defaults.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that cannot be fixed up silently.
func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case store.DriverMemory, store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownStoreDriver, c.StoreDriver)
	}

	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.NotionMaxChildPages <= 0 {
		c.NotionMaxChildPages = notion.DefaultMaxChildPages
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = auth.DefaultTTL
	}
	if c.ArchivePushDelay < 0 {
		c.ArchivePushDelay = 0
	}
	return nil
}

// Archive returns the git archive settings, or nil when the archive is disabled.
func (c *Config) Archive() *store.ArchiveConfig {
	if c.ArchivePath == "" {
		return nil
	}
	return &store.ArchiveConfig{
		Path:      c.ArchivePath,
		RemoteURL: c.ArchiveRemoteURL,
		Password:  c.ArchivePassword,
		Branch:    c.ArchiveBranch,
	}
}

// NutritionEnabled reports whether Edamam credentials are set.
func (c *Config) NutritionEnabled() bool {
	return c.EdamamAppID != "" && c.EdamamAppKey != ""
}

// OAuthEnabled reports whether the Notion OAuth integration is configured.
func (c *Config) OAuthEnabled() bool {
	return c.NotionClientID != "" && c.NotionClientSecret != ""
}
