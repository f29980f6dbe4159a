package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	utilsconfig "github.com/quantumauth-io/quantum-go-utils/config"
	utilsEth "github.com/quantumauth-io/quantum-go-utils/ethrpc"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/coordinator"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/relay"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/store"
)

const AppName = "quantum-wallet-bridge"

type AgentSettings struct {
	LocalHost      string
	Port           string
	PairTTLSeconds int
	AllowedOrigins []string
}

type RelaySettings struct {
	PollIntervalMs int
	TimeoutSeconds int
}

type StorageSettings struct {
	OutcomeTTLSeconds int
}

type Config struct {
	AgentSettings *AgentSettings
	Coordinator   coordinator.Config
	Relay         RelaySettings
	Storage       StorageSettings
	EthNetworks   *utilsEth.MultiConfig `mapstructure:"Ethereum"`
}

func infuraRPC(chain string, key string) string {
	return fmt.Sprintf("https://%s.infura.io/v3/%s", chain, key)
}

func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	paths := []string{
		filepath.Join(home, ".config", AppName),
		filepath.Join(home, "config"),
		".",
	}

	cfg, err := utilsconfig.ParseConfigWithEmbedded[Config](paths, EmbeddedConfigYAML)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	if c.AgentSettings == nil {
		c.AgentSettings = &AgentSettings{}
	}
	if c.AgentSettings.LocalHost == "" {
		c.AgentSettings.LocalHost = "127.0.0.1"
	}
	if c.AgentSettings.Port == "" {
		c.AgentSettings.Port = "6137"
	}
	if ip := net.ParseIP(c.AgentSettings.LocalHost); ip != nil && !ip.IsLoopback() {
		return fmt.Errorf("AgentSettings.LocalHost %q is not a loopback address", c.AgentSettings.LocalHost)
	}
	if c.EthNetworks == nil || len(c.EthNetworks.Networks) == 0 {
		return errors.New("no Ethereum networks configured")
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.AgentSettings.LocalHost, c.AgentSettings.Port)
}

func (c *Config) PairTTL() time.Duration {
	return time.Duration(c.AgentSettings.PairTTLSeconds) * time.Second
}

// RelayConfig converts the relay settings; zero values fall back to relay defaults.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		PollInterval: time.Duration(c.Relay.PollIntervalMs) * time.Millisecond,
		Timeout:      time.Duration(c.Relay.TimeoutSeconds) * time.Second,
	}
}

func (c *Config) StateOptions() []store.Option {
	if c.Storage.OutcomeTTLSeconds <= 0 {
		return nil
	}
	return []store.Option{store.WithOutcomeTTL(time.Duration(c.Storage.OutcomeTTLSeconds) * time.Second)}
}

// InjectInfuraKey points the first RPC slot of every network at Infura.
func (c *Config) InjectInfuraKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("infura api key is empty")
	}

	for netName, n := range c.EthNetworks.Networks {
		rpcURL := infuraRPC(netName, key)

		if len(n.RPCs) == 0 {
			n.RPCs = []utilsEth.RPC{{Name: "Infura", URL: rpcURL}}
		} else {
			n.RPCs[0].Name = "Infura"
			n.RPCs[0].URL = rpcURL
		}

		// map values are copies
		c.EthNetworks.Networks[netName] = n
	}
	return nil
}
