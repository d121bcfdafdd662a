package config

// Package config provides a reusable loader for meshlinkd configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/meshlink/meshlink/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a meshlinkd daemon. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Node struct {
		Name     string `mapstructure:"name" json:"name"`
		AppName  string `mapstructure:"app_name" json:"app_name"`
		ConfBase string `mapstructure:"confbase" json:"confbase"`
		DevClass string `mapstructure:"dev_class" json:"dev_class"`
	} `mapstructure:"node" json:"node"`

	Network struct {
		ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr"`
		CanonicalAddr   string `mapstructure:"canonical_addr" json:"canonical_addr"`
		EnableDiscovery bool   `mapstructure:"enable_discovery" json:"enable_discovery"`
	} `mapstructure:"network" json:"network"`

	Storage struct {
		KeyFile  string `mapstructure:"key_file" json:"key_file"`
		Disabled bool   `mapstructure:"disabled" json:"disabled"`
	} `mapstructure:"storage" json:"storage"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the MESHLINK_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("MESHLINK_ENV", ""))
}
