package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Raft     RaftConfig     `mapstructure:"raft"`
	Registry RegistryConfig `mapstructure:"registry"`
	Codec    CodecConfig    `mapstructure:"codec"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Peers     []string          `mapstructure:"peers"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type RaftConfig struct {
	LeadershipTransferInterval string `mapstructure:"leadership_transfer_interval"`
}

type RegistryConfig struct {
	OwnerAddress string `mapstructure:"owner_address"`
	OwnerName    string `mapstructure:"owner_name"`
}

type CodecConfig struct {
	KeyLength  int `mapstructure:"key_length"`
	FeatureDim int `mapstructure:"feature_dim"`
	Redundancy int `mapstructure:"redundancy"`
}

type GatewayConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type NotifyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	WebhookURL  string `mapstructure:"webhook_url"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if len(c.Node.Peers) > 0 && c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required when peers are configured")
	}
	if c.Registry.OwnerAddress == "" {
		return fmt.Errorf("registry.owner_address is required")
	}
	if c.Gateway.Enabled {
		if c.Gateway.ListenAddr == "" {
			return fmt.Errorf("gateway.listen_addr is required when the gateway is enabled")
		}
		if c.Gateway.AuthSecret == "" {
			return fmt.Errorf("gateway.auth_secret is required when the gateway is enabled")
		}
	}

	// Codec defaults mirror the enrollment pipeline this registry serves.
	if c.Codec.KeyLength == 0 {
		c.Codec.KeyLength = 16
	}
	if c.Codec.FeatureDim == 0 {
		c.Codec.FeatureDim = 128
	}
	if c.Codec.Redundancy == 0 {
		c.Codec.Redundancy = 7
	}
	if c.Codec.Redundancy%2 == 0 {
		return fmt.Errorf("codec.redundancy must be odd, got %d", c.Codec.Redundancy)
	}

	if c.Raft.LeadershipTransferInterval != "" {
		if _, err := time.ParseDuration(c.Raft.LeadershipTransferInterval); err != nil {
			return fmt.Errorf("invalid raft.leadership_transfer_interval: %w", err)
		}
	}

	return nil
}

// LeadershipTransferInterval returns the parsed rotation interval, 0 when
// rotation is disabled.
func (c *Config) LeadershipTransferInterval() time.Duration {
	if c.Raft.LeadershipTransferInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Raft.LeadershipTransferInterval)
	if err != nil {
		return 0
	}
	return d
}
