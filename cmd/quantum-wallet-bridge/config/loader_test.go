package config

import (
	"testing"
	"time"

	utilsEth "github.com/quantumauth-io/quantum-go-utils/ethrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func networks(t *testing.T) *utilsEth.MultiConfig {
	t.Helper()
	cfg := &utilsEth.MultiConfig{}
	initMap(&cfg.Networks)
	n := cfg.Networks["sepolia"]
	n.ChainIDHex = "0xaa36a7"
	n.RPCs = []utilsEth.RPC{{Name: "Infura"}, {Name: "PublicNode", URL: "https://sepolia.example"}}
	cfg.Networks["sepolia"] = n
	return cfg
}

func initMap[K comparable, V any](m *map[K]V) {
	if *m == nil {
		*m = make(map[K]V)
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := &Config{EthNetworks: networks(t)}
	require.NoError(t, c.Validate())
	assert.Equal(t, "127.0.0.1:6137", c.Addr())
	assert.Nil(t, c.StateOptions())

	c.Storage.OutcomeTTLSeconds = 60
	assert.Len(t, c.StateOptions(), 1)
}

func TestValidateRejects(t *testing.T) {
	c := &Config{AgentSettings: &AgentSettings{LocalHost: "0.0.0.0"}, EthNetworks: networks(t)}
	assert.Error(t, c.Validate())

	c = &Config{}
	assert.Error(t, c.Validate())
}

func TestRelayConfig(t *testing.T) {
	c := &Config{Relay: RelaySettings{PollIntervalMs: 250, TimeoutSeconds: 30}}
	rc := c.RelayConfig()
	assert.Equal(t, 250*time.Millisecond, rc.PollInterval)
	assert.Equal(t, 30*time.Second, rc.Timeout)
}

func TestInjectInfuraKey(t *testing.T) {
	c := &Config{EthNetworks: networks(t)}
	require.Error(t, c.InjectInfuraKey("  "))
	require.NoError(t, c.InjectInfuraKey("abc123"))

	n := c.EthNetworks.Networks["sepolia"]
	require.Len(t, n.RPCs, 2)
	assert.Equal(t, "https://sepolia.infura.io/v3/abc123", n.RPCs[0].URL)
	assert.Equal(t, "https://sepolia.example", n.RPCs[1].URL)
}
