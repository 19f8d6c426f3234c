package config

// Package config provides a reusable viper-based loader for node
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract. Grounded on the
// teacher's pkg/config/config.go (SetConfigName/AddConfigPath/
// ReadInConfig/MergeInConfig/AutomaticEnv shape), re-keyed from the
// teacher's VM/consensus-type network config onto this node's fixed
// protocol parameters (spec.md §6) and its identity/storage/sync needs.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"lvenc-node/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for an lvenc-node process.
type Config struct {
	Node struct {
		Mainnet      bool   `mapstructure:"mainnet" json:"mainnet"`
		DataDir      string `mapstructure:"data_dir" json:"data_dir"`
		ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr"`
		RewardAddr   string `mapstructure:"reward_address" json:"reward_address"`
		MnemonicFile string `mapstructure:"mnemonic_file" json:"mnemonic_file"`
	} `mapstructure:"node" json:"node"`

	Network struct {
		BootstrapPeers     []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		ProtocolVersion    int      `mapstructure:"protocol_version" json:"protocol_version"`
		MinProtocolVersion int      `mapstructure:"min_protocol_version" json:"min_protocol_version"`
		GraceUntilBlock    uint64   `mapstructure:"grace_until_block" json:"grace_until_block"`
		DialTimeoutMs      int      `mapstructure:"dial_timeout_ms" json:"dial_timeout_ms"`
	} `mapstructure:"network" json:"network"`

	Genesis struct {
		FaucetAddress   string `mapstructure:"faucet_address" json:"faucet_address"`
		FaucetPublicKey string `mapstructure:"faucet_public_key" json:"faucet_public_key"`
		TimestampMs     int64  `mapstructure:"timestamp_ms" json:"timestamp_ms"`
	} `mapstructure:"genesis" json:"genesis"`

	Storage struct {
		Dir string `mapstructure:"dir" json:"dir"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/node/config")
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

// LoadFromEnv loads configuration using the LVENC_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LVENC_ENV", ""))
}
