package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cjihrig/pgee/pkg/bridge"
	"github.com/spf13/viper"
)

// Version is the release version reported by the CLI.
const Version = "0.1.0"

// Config holds application-wide configuration
type Config struct {
	PG      PGConfig      `mapstructure:"pg"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Bridge  bridge.Config `mapstructure:"bridge"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgee")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGEE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
