package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Source image: a local path or s3://bucket/key
	Image string `mapstructure:"image"`

	// Orchestrator
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// Write and verify
	Force         bool   `mapstructure:"force"`
	VerifyFull    bool   `mapstructure:"verify-full"`
	SkipVerify    string `mapstructure:"skip-verify"`
	BlockSize     string `mapstructure:"block-size"`
	SyncInterval  string `mapstructure:"sync-interval"`
	SampleWindows int    `mapstructure:"sample-windows"`

	// Database paths. An empty fsm-db-path uses a temporary directory;
	// an empty history-db disables the job history.
	FSMDBPath string `mapstructure:"fsm-db-path"`
	HistoryDB string `mapstructure:"history-db"`

	// S3 configuration
	S3Region string `mapstructure:"s3-region"`

	// Working directory
	WorkDir string `mapstructure:"work-dir"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("image", "")
	viper.SetDefault("poll-interval", 2*time.Second)
	viper.SetDefault("force", false)
	viper.SetDefault("verify-full", false)
	viper.SetDefault("skip-verify", "")
	viper.SetDefault("block-size", "")
	viper.SetDefault("sync-interval", "256M")
	viper.SetDefault("sample-windows", 8)
	viper.SetDefault("fsm-db-path", "")
	viper.SetDefault("history-db", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("work-dir", filepath.Join(os.TempDir(), "sdflash"))

	// Environment variables (will be SDFLASH_POLL_INTERVAL, etc.)
	viper.SetEnvPrefix("SDFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// The two tuning knobs are also read unprefixed.
	_ = viper.BindEnv("skip-verify", "SDFLASH_SKIP_VERIFY", "SKIP_VERIFY")
	_ = viper.BindEnv("block-size", "SDFLASH_BLOCK_SIZE", "BLOCK_SIZE")

	// Config file (optional)
	viper.SetConfigName("sdflash")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.sdflash")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// SkipVerification interprets skip-verify: any non-empty value other than
// "0" or "false" disables verification.
func (c *Config) SkipVerification() bool {
	v := strings.TrimSpace(c.SkipVerify)
	return v != "" && v != "0" && !strings.EqualFold(v, "false")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.SampleWindows < 0 {
		return fmt.Errorf("sample-windows must be non-negative")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.S3Region == "" {
		return fmt.Errorf("s3-region cannot be empty")
	}
	return nil
}
