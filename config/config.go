package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"swap-router/pkg/chain"
)

//go:embed chains.yaml
var defaultChains []byte

// Config holds the application configuration
type Config struct {
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	ChainsFile  string           `mapstructure:"chains_file"`
	MetricsAddr string           `mapstructure:"metrics_addr"`
	Store       StoreConfig      `mapstructure:"store"`
	Timeouts    TimeoutConfig    `mapstructure:"timeouts"`
	OneClick    OneClickConfig   `mapstructure:"oneclick"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	EVM         EVMConfig        `mapstructure:"evm"`
	Solana      SolanaConfig     `mapstructure:"solana"`
	Substrate   SubstrateConfig  `mapstructure:"substrate"`
	Session     SessionConfig    `mapstructure:"session"`
}

// StoreConfig selects the process store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // file or sqlite
	Path   string `mapstructure:"path"`
}

// TimeoutConfig bounds every external wait
type TimeoutConfig struct {
	Venue        time.Duration `mapstructure:"venue"`
	Confirmation time.Duration `mapstructure:"confirmation"`
	QuoteTTL     time.Duration `mapstructure:"quote_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Submit       time.Duration `mapstructure:"submit"`
}

// OneClickConfig configures the deposit-channel venue API
type OneClickConfig struct {
	BaseURL  string  `mapstructure:"base_url"`
	JWTToken string  `mapstructure:"jwt_token"`
	RPS      float64 `mapstructure:"rps"`
}

// AggregatorConfig configures the Solana DEX aggregator API
type AggregatorConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	RPS         float64 `mapstructure:"rps"`
	SlippageBps int     `mapstructure:"slippage_bps"`
}

// EVMConfig holds per-chain EVM RPC and signing configuration
type EVMConfig struct {
	Networks map[string]EVMNetwork `mapstructure:"networks"`
}

// EVMNetwork is one EVM-compatible network, keyed by chain slug
type EVMNetwork struct {
	RPCUrl     string  `mapstructure:"rpc_url"`
	PrivateKey string  `mapstructure:"private_key"`
	ChainID    int64   `mapstructure:"chain_id"`
	GasLimit   *uint64 `mapstructure:"gas_limit"`
	GasPrice   *int64  `mapstructure:"gas_price"`
}

// SolanaConfig holds Solana RPC and signing configuration
type SolanaConfig struct {
	RPCUrl        string `mapstructure:"rpc_url"`
	PrivateKey    string `mapstructure:"private_key"`
	Commitment    string `mapstructure:"commitment"`
	SkipPreflight bool   `mapstructure:"skip_preflight"`
}

// SubstrateConfig points at an external signer for substrate extrinsics
type SubstrateConfig struct {
	SignerURL string `mapstructure:"signer_url"`
}

// SessionConfig controls how long unlocked signing keys stay usable
type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

var globalConfig *Config

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".swap-router")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("SWAP_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = cfg
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("metrics_addr", ":9464")
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("timeouts.venue", 15*time.Second)
	v.SetDefault("timeouts.confirmation", 10*time.Minute)
	v.SetDefault("timeouts.quote_ttl", 2*time.Minute)
	v.SetDefault("timeouts.poll_interval", 5*time.Second)
	v.SetDefault("timeouts.submit", 2*time.Minute)
	v.SetDefault("oneclick.base_url", "https://1click.chaindefuser.com")
	v.SetDefault("oneclick.rps", 2.0)
	v.SetDefault("aggregator.base_url", "https://quote-api.jup.ag/v6")
	v.SetDefault("aggregator.rps", 1.0)
	v.SetDefault("aggregator.slippage_bps", 50)
	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("session.ttl", 15*time.Minute)
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swap-router"
	}
	return home + "/.swap-router"
}

// Validate checks values viper cannot check for us
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.driver must be 'file' or 'sqlite', got '%s'", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.venue":         c.Timeouts.Venue,
		"timeouts.confirmation":  c.Timeouts.Confirmation,
		"timeouts.quote_ttl":     c.Timeouts.QuoteTTL,
		"timeouts.poll_interval": c.Timeouts.PollInterval,
		"timeouts.submit":        c.Timeouts.Submit,
		"session.ttl":            c.Session.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.OneClick.RPS <= 0 || c.Aggregator.RPS <= 0 {
		return fmt.Errorf("venue rps limits must be positive")
	}
	for name, n := range c.EVM.Networks {
		if n.RPCUrl == "" {
			return fmt.Errorf("RPC URL not configured for network %s", name)
		}
	}
	return nil
}

// Registry loads the chain registry from chains_file, or the embedded default
func (c *Config) Registry() (*chain.Registry, error) {
	if c.ChainsFile != "" {
		return chain.LoadFile(c.ChainsFile)
	}
	return chain.Parse(defaultChains)
}

// Get returns the global configuration
func Get() *Config {
	if globalConfig == nil {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		return cfg
	}
	return globalConfig
}

// Set updates the global configuration
func Set(cfg *Config) {
	globalConfig = cfg
}
