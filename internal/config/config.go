// Package config loads the gateway's single YAML configuration document and
// applies environment-variable overrides, in the teacher's
// providers/catalog.go idiom (file-first, then env suffix overrides), but
// speaking directly to spec.md §6's recognized key set rather than a
// provider list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageType selects the Credential Store backing.
type StorageType string

const (
	StorageFile     StorageType = "file"
	StorageDatabase StorageType = "database"
)

// PostgresConfig configures the database-backed Credential Store.
type PostgresConfig struct {
	DatabaseURL    string `yaml:"databaseUrl"`
	TableName      string `yaml:"tableName"`
	MaxConnections int    `yaml:"maxConnections"`
}

// Config is the gateway's full recognized configuration, loaded from one
// YAML document with environment-variable overrides layered on top.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	APIKey string `yaml:"apiKey"`
	Region string `yaml:"region"`

	KiroVersion   string `yaml:"kiroVersion"`
	MachineID     string `yaml:"machineId"`
	SystemVersion string `yaml:"systemVersion"`
	NodeVersion   string `yaml:"nodeVersion"`

	ProxyURL      string `yaml:"proxyUrl"`
	ProxyUsername string `yaml:"proxyUsername"`
	ProxyPassword string `yaml:"proxyPassword"`

	CountTokensAPIURL  string `yaml:"countTokensApiUrl"`
	CountTokensAPIKey  string `yaml:"countTokensApiKey"`
	CountTokensAuthType string `yaml:"countTokensAuthType"`

	AdminAPIKey string `yaml:"adminApiKey"`

	CredentialStorageType StorageType    `yaml:"credentialStorageType"`
	CredentialsFile       string         `yaml:"credentialsFile"`
	Postgres              PostgresConfig `yaml:"postgres"`

	CredentialSyncIntervalSecs int `yaml:"credentialSyncIntervalSecs"`

	SocialRefreshURL string `yaml:"socialRefreshUrl"`
	OIDCBaseDomain   string `yaml:"oidcBaseDomain"`
}

// ConfigError marks a fatal problem found before the gateway accepts traffic.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads path (if non-empty and present) as YAML, applies defaults, then
// applies environment-variable overrides, matching the resolution order of
// the teacher's providers/catalog.go (file values are a baseline; env wins).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Host:                       "0.0.0.0",
		Port:                       8089,
		CredentialStorageType:      StorageFile,
		CredentialsFile:            "credentials.json",
		CredentialSyncIntervalSecs: 30,
		SocialRefreshURL:           "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken",
		OIDCBaseDomain:             "amazonaws.com",
	}
}

// envPrefix matches the teacher's NEXUS_<KEY> convention, renamed for this
// gateway.
const envPrefix = "KIROGW_"

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	str("HOST", &cfg.Host)
	str("API_KEY", &cfg.APIKey)
	str("REGION", &cfg.Region)
	str("KIRO_VERSION", &cfg.KiroVersion)
	str("MACHINE_ID", &cfg.MachineID)
	str("SYSTEM_VERSION", &cfg.SystemVersion)
	str("NODE_VERSION", &cfg.NodeVersion)
	str("PROXY_URL", &cfg.ProxyURL)
	str("PROXY_USERNAME", &cfg.ProxyUsername)
	str("PROXY_PASSWORD", &cfg.ProxyPassword)
	str("COUNT_TOKENS_API_URL", &cfg.CountTokensAPIURL)
	str("COUNT_TOKENS_API_KEY", &cfg.CountTokensAPIKey)
	str("COUNT_TOKENS_AUTH_TYPE", &cfg.CountTokensAuthType)
	str("ADMIN_API_KEY", &cfg.AdminAPIKey)
	str("CREDENTIALS_FILE", &cfg.CredentialsFile)
	str("POSTGRES_DATABASE_URL", &cfg.Postgres.DatabaseURL)
	str("POSTGRES_TABLE_NAME", &cfg.Postgres.TableName)
	str("SOCIAL_REFRESH_URL", &cfg.SocialRefreshURL)
	str("OIDC_BASE_DOMAIN", &cfg.OIDCBaseDomain)

	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv(envPrefix + "CREDENTIAL_STORAGE_TYPE"); v != "" {
		cfg.CredentialStorageType = StorageType(v)
	}
	if v := os.Getenv(envPrefix + "POSTGRES_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.MaxConnections = n
		}
	}
	if v := os.Getenv(envPrefix + "CREDENTIAL_SYNC_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CredentialSyncIntervalSecs = n
		}
	}
}

// Validate enforces the required-field invariants spec.md §6 names; a
// failure here is a ConfigError, fatal before the gateway accepts traffic.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &ConfigError{Field: "host", Reason: "must not be empty"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Reason: "must be a valid TCP port"}
	}
	if c.APIKey == "" {
		return &ConfigError{Field: "apiKey", Reason: "required"}
	}
	if c.Region == "" {
		return &ConfigError{Field: "region", Reason: "required"}
	}
	switch c.CredentialStorageType {
	case StorageFile:
		if c.CredentialsFile == "" {
			return &ConfigError{Field: "credentialsFile", Reason: "required when credentialStorageType=file"}
		}
	case StorageDatabase:
		if c.Postgres.DatabaseURL == "" {
			return &ConfigError{Field: "postgres.databaseUrl", Reason: "required when credentialStorageType=database"}
		}
	default:
		return &ConfigError{Field: "credentialStorageType", Reason: fmt.Sprintf("must be %q or %q, got %q", StorageFile, StorageDatabase, c.CredentialStorageType)}
	}
	return nil
}

// SyncInterval returns CredentialSyncIntervalSecs as a time.Duration; 0
// disables hot-reload per spec.md §4.3.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.CredentialSyncIntervalSecs) * time.Second
}
