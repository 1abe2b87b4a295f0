package config

// Package config provides a reusable loader for the node's configuration
// files and environment variables.

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/quantumchain/node/pkg/utils"
)

// Config represents the unified configuration for a node process. It
// mirrors the structure of the YAML files under cmd/config and carries
// the knobs each of core's seventeen subsystems is constructed from.
type Config struct {
	Network struct {
		ChainID       uint64   `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr    string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag  string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BucketSize    int      `mapstructure:"bucket_size" json:"bucket_size"`
		BootstrapPeer []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		Epoch            uint64 `mapstructure:"epoch" json:"epoch"`
		CommitteeSize    int    `mapstructure:"committee_size" json:"committee_size"`
		FinalityMaxRetry uint8  `mapstructure:"finality_max_retry" json:"finality_max_retry"`
	} `mapstructure:"consensus" json:"consensus"`

	Mempool struct {
		MaxTransactions int    `mapstructure:"max_transactions" json:"max_transactions"`
		MaxPerAccount   int    `mapstructure:"max_per_account" json:"max_per_account"`
		MinGasPriceWei  int64  `mapstructure:"min_gas_price_wei" json:"min_gas_price_wei"`
		MaxGasLimit     uint64 `mapstructure:"max_gas_limit" json:"max_gas_limit"`
		MaxReorgDepth   uint64 `mapstructure:"max_reorg_depth" json:"max_reorg_depth"`
	} `mapstructure:"mempool" json:"mempool"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
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

	viper.AutomaticEnv() // picks up matching process environment variables

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the QC_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("QC_ENV", ""))
}

// ApplyLogLevel parses cfg.Logging.Level and sets it on logrus's global
// logger, leaving the current level in place if the field is empty or
// unrecognized.
func ApplyLogLevel(cfg Config) {
	if cfg.Logging.Level == "" {
		return
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return
	}
	logrus.SetLevel(lvl)
}
