package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DirStorageConfig configures the shared-directory storage provider.
type DirStorageConfig struct {
	Path string `json:"path,omitempty"`
}

// S3StorageConfig configures the S3 storage provider. Endpoint is set for
// S3-compatible services (MinIO, Garage); empty means AWS.
type S3StorageConfig struct {
	Bucket    string `json:"bucket,omitempty"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// StorageConfig selects and configures the storage provider backing sync.
type StorageConfig struct {
	Provider string           `json:"provider,omitempty"` // dir | s3
	Dir      DirStorageConfig `json:"dir,omitempty"`
	S3       S3StorageConfig  `json:"s3,omitempty"`
}

// SyncSettings holds sync cadence and timeout settings.
type SyncSettings struct {
	Interval       string `json:"interval,omitempty"`        // duration string, default "5m"
	PullTimeout    string `json:"pull_timeout,omitempty"`    // per-peer, default "30s"
	PublishTimeout string `json:"publish_timeout,omitempty"` // whole publish phase, default "60s"
}

// WebhookConfig configures the optional post-sync notification hook.
type WebhookConfig struct {
	URL    string `json:"url,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// Config is the global divvy config stored at ~/.config/divvy/config.json.
type Config struct {
	Storage StorageConfig  `json:"storage"`
	Sync    SyncSettings   `json:"sync"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// ConfigDir returns ~/.config/divvy, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "divvy")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/divvy/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/divvy/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// GetStorageProvider returns the configured storage provider name.
// Priority: DIVVY_STORAGE_PROVIDER env > config.json > "dir".
func GetStorageProvider() string {
	if v := os.Getenv("DIVVY_STORAGE_PROVIDER"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Storage.Provider != "" {
		return cfg.Storage.Provider
	}
	return "dir"
}

// GetStorageDirPath returns the shared-directory provider path.
// Priority: DIVVY_STORAGE_DIR env > config.json > "".
func GetStorageDirPath() string {
	if v := os.Getenv("DIVVY_STORAGE_DIR"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Storage.Dir.Path
	}
	return ""
}

// GetS3Config returns the S3 provider settings with env overrides applied.
// Each field honors its DIVVY_S3_* env var over config.json.
func GetS3Config() S3StorageConfig {
	var s3 S3StorageConfig
	if cfg, err := LoadConfig(); err == nil {
		s3 = cfg.Storage.S3
	}
	if v := os.Getenv("DIVVY_S3_BUCKET"); v != "" {
		s3.Bucket = v
	}
	if v := os.Getenv("DIVVY_S3_REGION"); v != "" {
		s3.Region = v
	}
	if v := os.Getenv("DIVVY_S3_ENDPOINT"); v != "" {
		s3.Endpoint = v
	}
	if v := os.Getenv("DIVVY_S3_PREFIX"); v != "" {
		s3.Prefix = v
	}
	if v := os.Getenv("DIVVY_S3_ACCESS_KEY"); v != "" {
		s3.AccessKey = v
	}
	if v := os.Getenv("DIVVY_S3_SECRET_KEY"); v != "" {
		s3.SecretKey = v
	}
	return s3
}

// GetSyncInterval returns the periodic sync cadence.
// Priority: DIVVY_SYNC_INTERVAL env > config.json sync.interval > 5m.
func GetSyncInterval() time.Duration {
	if v := os.Getenv("DIVVY_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.Interval != "" {
		if d, err := time.ParseDuration(cfg.Sync.Interval); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Minute
}

// GetPullTimeout returns the per-peer pull timeout.
// Priority: DIVVY_SYNC_PULL_TIMEOUT env > config.json > 30s.
func GetPullTimeout() time.Duration {
	if v := os.Getenv("DIVVY_SYNC_PULL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.PullTimeout != "" {
		if d, err := time.ParseDuration(cfg.Sync.PullTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// GetPublishTimeout returns the timeout for one publish phase.
// Priority: DIVVY_SYNC_PUBLISH_TIMEOUT env > config.json > 60s.
func GetPublishTimeout() time.Duration {
	if v := os.Getenv("DIVVY_SYNC_PUBLISH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.PublishTimeout != "" {
		if d, err := time.ParseDuration(cfg.Sync.PublishTimeout); err == nil && d > 0 {
			return d
		}
	}
	return 60 * time.Second
}

// GetRemovalSuspicionThreshold returns how many consecutive all-peer
// decrypt failures mark this device as possibly removed.
// Priority: DIVVY_REMOVAL_THRESHOLD env > 6.
func GetRemovalSuspicionThreshold() int {
	if v := os.Getenv("DIVVY_REMOVAL_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 6
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := os.Getenv(envKey)
	if v == "" {
		return nil
	}
	v = strings.ToLower(v)
	if v == "1" || v == "true" {
		b := true
		return &b
	}
	if v == "0" || v == "false" {
		b := false
		return &b
	}
	return nil
}

// GetAutoSyncEnabled returns whether the background sync loop runs.
// Priority: DIVVY_SYNC_AUTO env > true.
func GetAutoSyncEnabled() bool {
	if v := parseBoolEnv("DIVVY_SYNC_AUTO"); v != nil {
		return *v
	}
	return true
}

// GetWebhookURL returns the post-sync webhook URL.
// Priority: DIVVY_WEBHOOK_URL env > config.json webhook.url.
func GetWebhookURL() string {
	if v := os.Getenv("DIVVY_WEBHOOK_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err != nil {
		return ""
	}
	if cfg.Webhook != nil {
		return cfg.Webhook.URL
	}
	return ""
}

// GetWebhookSecret returns the webhook HMAC secret.
// Priority: DIVVY_WEBHOOK_SECRET env > config.json webhook.secret.
func GetWebhookSecret() string {
	if v := os.Getenv("DIVVY_WEBHOOK_SECRET"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err != nil {
		return ""
	}
	if cfg.Webhook != nil {
		return cfg.Webhook.Secret
	}
	return ""
}
