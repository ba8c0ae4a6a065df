package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, it searches standard
// locations for chaperone.yaml/.yml. The search requires an explicit
// YAML extension so Viper never matches the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("chaperone")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CHAPERONE_LEDGER_BACKEND
	viper.SetEnvPrefix("CHAPERONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".chaperone"),
		"/etc/chaperone",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "chaperone"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Arrays (approvers, redaction lists) come from the file only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("fixtures")

	_ = viper.BindEnv("approval.fallback_approver")
	_ = viper.BindEnv("approval.standard_expiry")
	_ = viper.BindEnv("approval.elevated_expiry")
	_ = viper.BindEnv("approval.mandatory_expiry")
	_ = viper.BindEnv("approval.expired_behavior")
	_ = viper.BindEnv("approval.deny_when_no_approvers")

	_ = viper.BindEnv("ledger.backend")
	_ = viper.BindEnv("ledger.dir")
	_ = viper.BindEnv("ledger.path")
	_ = viper.BindEnv("ledger.retention_days")
	_ = viper.BindEnv("ledger.max_file_size_mb")
	_ = viper.BindEnv("ledger.evidence_dir")

	_ = viper.BindEnv("proposal_rate.rate")
	_ = viper.BindEnv("proposal_rate.period")
	_ = viper.BindEnv("proposal_rate.burst")
}

// LoadConfig reads the configuration file, applies environment
// overrides, sets defaults, and validates.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; environment variables and defaults apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// empty when running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
