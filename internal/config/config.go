// Package config loads keste settings from a YAML file and KESTE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	API        APIConfig        `yaml:"api"`
	MCP        MCPConfig        `yaml:"mcp"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Storage    StorageConfig    `yaml:"storage"`
	Retention  RetentionConfig  `yaml:"retention"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type EngineConfig struct {
	StagingSuffix     string `yaml:"staging_suffix"`
	KeepFailedStaging bool   `yaml:"keep_failed_staging"` // leave the staging file behind when the final rename fails
	// Root confines paths received over HTTP and MCP to one directory.
	// Empty allows any path.
	Root string `yaml:"root"`
}

type APIConfig struct {
	Listen string `yaml:"listen"`
}

type MCPConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type SnapshotConfig struct {
	Source              string `yaml:"source"`
	Schedule            string `yaml:"schedule"`
	Compression         string `yaml:"compression"`
	VerifyAfterSnapshot bool   `yaml:"verify_after_snapshot"` // replay the dump into a scratch file and compare
	VerifyChecksum      bool   `yaml:"verify_checksum"`       // verify checksum on restore
}

type StorageConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RetentionConfig struct {
	Daily      int `yaml:"daily"`
	Weekly     int `yaml:"weekly"`
	Monthly    int `yaml:"monthly"`
	MaxAgeDays int `yaml:"max_age_days"`
}

type MonitoringConfig struct {
	MetricsPort     int    `yaml:"metrics_port"`
	WebhookURL      string `yaml:"webhook_url"`
	AlertAfterHours int    `yaml:"alert_after_hours"`
	HealthPort      int    `yaml:"health_port"`
}

func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			StagingSuffix: ".tmp",
		},
		API: APIConfig{
			Listen: ":8070",
		},
		Snapshot: SnapshotConfig{
			Schedule:    "0 2 * * *",
			Compression: "gzip",
		},
		Storage: StorageConfig{
			Backend: "local",
			Path:    "/var/lib/keste/snapshots",
		},
		Retention: RetentionConfig{
			Daily:      7,
			Weekly:     4,
			Monthly:    6,
			MaxAgeDays: 90,
		},
		Monitoring: MonitoringConfig{
			MetricsPort:     9090,
			HealthPort:      8080,
			AlertAfterHours: 26,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	setString(&c.Engine.StagingSuffix, "KESTE_STAGING_SUFFIX")
	setBool(&c.Engine.KeepFailedStaging, "KESTE_KEEP_FAILED_STAGING")
	setString(&c.Engine.Root, "KESTE_ROOT")

	setString(&c.API.Listen, "KESTE_API_LISTEN")
	setString(&c.MCP.APIKey, "KESTE_MCP_API_KEY")
	setString(&c.MCP.BaseURL, "KESTE_MCP_BASE_URL")

	setString(&c.Snapshot.Source, "KESTE_SNAPSHOT_SOURCE")
	setString(&c.Snapshot.Schedule, "KESTE_SCHEDULE")
	setString(&c.Snapshot.Compression, "KESTE_COMPRESSION")
	setBool(&c.Snapshot.VerifyAfterSnapshot, "KESTE_VERIFY_SNAPSHOT")
	setBool(&c.Snapshot.VerifyChecksum, "KESTE_VERIFY_CHECKSUM")

	setString(&c.Storage.Backend, "KESTE_STORAGE_BACKEND")
	setString(&c.Storage.Path, "KESTE_STORAGE_PATH")
	setString(&c.Storage.S3.Bucket, "KESTE_S3_BUCKET")
	setString(&c.Storage.S3.Endpoint, "KESTE_S3_ENDPOINT")
	setString(&c.Storage.S3.Region, "KESTE_S3_REGION")
	setString(&c.Storage.S3.AccessKey, "KESTE_S3_ACCESS_KEY")
	setString(&c.Storage.S3.SecretKey, "KESTE_S3_SECRET_KEY")
	setBool(&c.Storage.S3.UseSSL, "KESTE_S3_USE_SSL")

	setInt(&c.Retention.Daily, "KESTE_KEEP_DAILY")
	setInt(&c.Retention.Weekly, "KESTE_KEEP_WEEKLY")
	setInt(&c.Retention.Monthly, "KESTE_KEEP_MONTHLY")
	setInt(&c.Retention.MaxAgeDays, "KESTE_MAX_AGE_DAYS")

	setInt(&c.Monitoring.MetricsPort, "KESTE_METRICS_PORT")
	setInt(&c.Monitoring.HealthPort, "KESTE_HEALTH_PORT")
	setString(&c.Monitoring.WebhookURL, "KESTE_WEBHOOK_URL")
	setInt(&c.Monitoring.AlertAfterHours, "KESTE_ALERT_AFTER_HOURS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setInt ignores values that do not parse.
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func (c *Config) validate() error {
	suffix := c.Engine.StagingSuffix
	if suffix == "" {
		return fmt.Errorf("engine staging suffix must not be empty")
	}
	if strings.ContainsAny(suffix, `/\`) {
		return fmt.Errorf("engine staging suffix must not contain a path separator")
	}

	if c.Engine.Root != "" {
		root, err := filepath.Abs(c.Engine.Root)
		if err != nil {
			return fmt.Errorf("invalid engine root: %w", err)
		}
		c.Engine.Root = root
	}

	if c.Storage.Backend != "local" && c.Storage.Backend != "s3" {
		return fmt.Errorf("storage backend must be 'local' or 's3'")
	}

	if c.Storage.Backend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when using S3 storage")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key are required")
		}
	}

	switch c.Snapshot.Compression {
	case "gzip", "zstd", "none":
	default:
		return fmt.Errorf("compression must be 'gzip', 'zstd', or 'none'")
	}

	if c.Retention.Daily < 0 || c.Retention.Weekly < 0 || c.Retention.Monthly < 0 || c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention counts must not be negative")
	}

	return nil
}

func (c *Config) AlertDuration() time.Duration {
	return time.Duration(c.Monitoring.AlertAfterHours) * time.Hour
}

// SnapshotsEnabled reports whether a workbook to snapshot is configured.
func (c *Config) SnapshotsEnabled() bool {
	return c.Snapshot.Source != ""
}
