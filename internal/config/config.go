// Package config handles configuration loading and management for arbiter.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/arbiter/internal/orchestrator/policy"
	"github.com/ShayCichocki/arbiter/internal/storage"
)

// Persistence modes.
const (
	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

// Blob backends.
const (
	BlobMemory = "memory"
	BlobFS     = "fs"
	BlobS3     = "s3"
)

// Config holds all configuration for arbiter.
type Config struct {
	Anthropic     AnthropicConfig     `mapstructure:"anthropic"`
	Persistence   PersistenceConfig   `mapstructure:"persistence"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Arbitration   ArbitrationConfig   `mapstructure:"arbitration"`
	Server        ServerConfig        `mapstructure:"server"`
	MQTT          MQTTConfig          `mapstructure:"mqtt"`
}

// AnthropicConfig holds Anthropic API settings for model-backed workers.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Bedrock    bool   `mapstructure:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// PersistenceConfig selects the durable and bulk stores.
type PersistenceConfig struct {
	// Mode is memory, sqlite or postgres.
	Mode string `mapstructure:"mode"`
	// SQLitePath defaults to the project database under .arbiter/.
	SQLitePath string `mapstructure:"sqlite_path"`
	// SQLiteDriver is sqlite (pure Go) or sqlite3 (cgo).
	SQLiteDriver string `mapstructure:"sqlite_driver"`
	// PostgresDSN falls back to the PG* environment variables when empty.
	PostgresDSN string `mapstructure:"postgres_dsn"`
	// Blob is memory, fs or s3.
	Blob               string `mapstructure:"blob"`
	BlobDir            string `mapstructure:"blob_dir"`
	S3Bucket           string `mapstructure:"s3_bucket"`
	S3Prefix           string `mapstructure:"s3_prefix"`
	S3Region           string `mapstructure:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint"`
	TTLDays            int    `mapstructure:"ttl_days"`
	SizeThresholdBytes int    `mapstructure:"size_threshold_bytes"`
}

// TTL returns the checkpoint retention period.
func (p PersistenceConfig) TTL() time.Duration {
	return time.Duration(p.TTLDays) * 24 * time.Hour
}

// RetryConfig holds durable-write retry settings.
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// OrchestrationConfig holds round and approval settings.
type OrchestrationConfig struct {
	RequireApproval bool          `mapstructure:"require_approval"`
	RoundTimeout    time.Duration `mapstructure:"round_timeout"`
	SafetyTimeout   time.Duration `mapstructure:"safety_timeout"`
	BusinessTimeout time.Duration `mapstructure:"business_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RosterPath      string        `mapstructure:"roster_path"`
}

// WeightsConfig holds the composite score weights.
type WeightsConfig struct {
	SafetyMargin    float64 `mapstructure:"safety_margin"`
	Cost            float64 `mapstructure:"cost"`
	AffectedParties float64 `mapstructure:"affected_parties"`
	Network         float64 `mapstructure:"network"`
}

// ArbitrationConfig holds arbitration settings.
type ArbitrationConfig struct {
	Weights       WeightsConfig `mapstructure:"weights"`
	SafetyQuorum  float64       `mapstructure:"safety_quorum"`
	MaxCandidates int           `mapstructure:"max_candidates"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// JWTSecret enables bearer authentication on approve and reject.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MQTTConfig holds event publishing settings.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, ARBITER_*)
// 2. Project config (.arbiter.yaml in current directory or parent)
// 3. User config (~/.config/arbiter/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path. Environment
// overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Persistence.PostgresDSN = expandEnv(cfg.Persistence.PostgresDSN)
	cfg.Server.JWTSecret = expandEnv(cfg.Server.JWTSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backend names.
func (c *Config) Validate() error {
	switch c.Persistence.Mode {
	case ModeMemory, ModeSQLite, ModePostgres:
	default:
		return fmt.Errorf("persistence.mode %q: want memory, sqlite or postgres", c.Persistence.Mode)
	}
	switch c.Persistence.Blob {
	case BlobMemory, BlobFS, BlobS3:
	default:
		return fmt.Errorf("persistence.blob %q: want memory, fs or s3", c.Persistence.Blob)
	}
	if c.Persistence.Blob == BlobS3 && c.Persistence.S3Bucket == "" {
		return fmt.Errorf("persistence.s3_bucket is required for the s3 blob store")
	}
	return nil
}

// Policy builds the orchestrator policy. Out-of-range values are reset
// to their defaults by policy validation.
func (c *Config) Policy() (*policy.Config, error) {
	p := policy.Default()
	p.Rounds.SafetyTimeout = c.Orchestration.SafetyTimeout
	p.Rounds.BusinessTimeout = c.Orchestration.BusinessTimeout
	p.Rounds.RoundTimeout = c.Orchestration.RoundTimeout
	p.Approval.Required = c.Orchestration.RequireApproval
	p.Approval.PollInterval = c.Orchestration.PollInterval
	p.Arbitration.Weights = policy.Weights{
		SafetyMargin:    c.Arbitration.Weights.SafetyMargin,
		Cost:            c.Arbitration.Weights.Cost,
		AffectedParties: c.Arbitration.Weights.AffectedParties,
		Network:         c.Arbitration.Weights.Network,
	}
	p.Arbitration.SafetyQuorum = c.Arbitration.SafetyQuorum
	p.Arbitration.MaxCandidates = c.Arbitration.MaxCandidates
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// RetryPolicy builds the durable-write retry policy.
func (c *Config) RetryPolicy() storage.RetryPolicy {
	p := storage.DefaultRetryPolicy()
	if c.Retry.Base > 0 {
		p.Base = c.Retry.Base
	}
	if c.Retry.Cap > 0 {
		p.Cap = c.Retry.Cap
	}
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	return p
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values. Every key needs a default so
// that ARBITER_* environment variables are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", d.Anthropic.APIKey)
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.bedrock", d.Anthropic.Bedrock)
	v.SetDefault("anthropic.aws_region", d.Anthropic.AWSRegion)
	v.SetDefault("anthropic.aws_profile", d.Anthropic.AWSProfile)

	v.SetDefault("persistence.mode", d.Persistence.Mode)
	v.SetDefault("persistence.sqlite_path", d.Persistence.SQLitePath)
	v.SetDefault("persistence.sqlite_driver", d.Persistence.SQLiteDriver)
	v.SetDefault("persistence.postgres_dsn", d.Persistence.PostgresDSN)
	v.SetDefault("persistence.blob", d.Persistence.Blob)
	v.SetDefault("persistence.blob_dir", d.Persistence.BlobDir)
	v.SetDefault("persistence.s3_bucket", d.Persistence.S3Bucket)
	v.SetDefault("persistence.s3_prefix", d.Persistence.S3Prefix)
	v.SetDefault("persistence.s3_region", d.Persistence.S3Region)
	v.SetDefault("persistence.s3_endpoint", d.Persistence.S3Endpoint)
	v.SetDefault("persistence.ttl_days", d.Persistence.TTLDays)
	v.SetDefault("persistence.size_threshold_bytes", d.Persistence.SizeThresholdBytes)

	v.SetDefault("retry.base", d.Retry.Base.String())
	v.SetDefault("retry.cap", d.Retry.Cap.String())
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)

	v.SetDefault("orchestration.require_approval", d.Orchestration.RequireApproval)
	v.SetDefault("orchestration.round_timeout", d.Orchestration.RoundTimeout.String())
	v.SetDefault("orchestration.safety_timeout", d.Orchestration.SafetyTimeout.String())
	v.SetDefault("orchestration.business_timeout", d.Orchestration.BusinessTimeout.String())
	v.SetDefault("orchestration.poll_interval", d.Orchestration.PollInterval.String())
	v.SetDefault("orchestration.roster_path", d.Orchestration.RosterPath)

	v.SetDefault("arbitration.weights.safety_margin", d.Arbitration.Weights.SafetyMargin)
	v.SetDefault("arbitration.weights.cost", d.Arbitration.Weights.Cost)
	v.SetDefault("arbitration.weights.affected_parties", d.Arbitration.Weights.AffectedParties)
	v.SetDefault("arbitration.weights.network", d.Arbitration.Weights.Network)
	v.SetDefault("arbitration.safety_quorum", d.Arbitration.SafetyQuorum)
	v.SetDefault("arbitration.max_candidates", d.Arbitration.MaxCandidates)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)

	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.url", d.MQTT.URL)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic_prefix", d.MQTT.TopicPrefix)
}

// getUserConfigDir returns the XDG config directory for arbiter.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "arbiter")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "arbiter")
	}
	return filepath.Join(home, ".config", "arbiter")
}

// findProjectConfig searches for .arbiter.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".arbiter.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	return &Config{
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5-20250929",
		},
		Persistence: PersistenceConfig{
			Mode:               ModeSQLite,
			SQLiteDriver:       "sqlite",
			Blob:               BlobFS,
			BlobDir:            filepath.Join(".arbiter", "blobs"),
			S3Prefix:           "arbiter",
			TTLDays:            90,
			SizeThresholdBytes: 350 * 1024,
		},
		Retry: RetryConfig{
			Base:        storage.DefaultRetryBase,
			Cap:         storage.DefaultRetryCap,
			MaxAttempts: storage.DefaultRetryMaxAttempts,
		},
		Orchestration: OrchestrationConfig{
			SafetyTimeout:   p.Rounds.SafetyTimeout,
			BusinessTimeout: p.Rounds.BusinessTimeout,
			PollInterval:    p.Approval.PollInterval,
			RosterPath:      "roster.yaml",
		},
		Arbitration: ArbitrationConfig{
			Weights: WeightsConfig{
				SafetyMargin:    p.Arbitration.Weights.SafetyMargin,
				Cost:            p.Arbitration.Weights.Cost,
				AffectedParties: p.Arbitration.Weights.AffectedParties,
				Network:         p.Arbitration.Weights.Network,
			},
			SafetyQuorum:  p.Arbitration.SafetyQuorum,
			MaxCandidates: p.Arbitration.MaxCandidates,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		MQTT: MQTTConfig{
			URL:         "tcp://127.0.0.1:1883",
			ClientID:    "arbiter",
			TopicPrefix: "arbiter",
		},
	}
}
