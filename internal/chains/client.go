// Package chains talks to EVM JSON-RPC endpoints. Every call walks the configured URLs of
// a chain in order and moves on when one fails.
package chains

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	utilsEth "github.com/quantumauth-io/quantum-go-utils/ethrpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

const DefaultEndpointTimeout = 10 * time.Second

var ErrUnknownChain = errors.New("chain not configured")

// Endpoint is one RPC URL of a network.
type Endpoint struct {
	Network string
	Name    string
	URL     string
}

type Client struct {
	endpoints       map[uint64][]Endpoint
	endpointTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

type Option func(*Client)

func WithEndpointTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.endpointTimeout = d
		}
	}
}

// EndpointsFromConfig indexes the configured networks by chain id. RPC order is kept.
func EndpointsFromConfig(cfg *utilsEth.MultiConfig) (map[uint64][]Endpoint, error) {
	if cfg == nil {
		return nil, errors.New("chains: nil config")
	}
	if len(cfg.Networks) == 0 {
		return nil, errors.New("chains: no networks configured")
	}

	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[uint64][]Endpoint, len(cfg.Networks))
	for _, name := range names {
		n := cfg.Networks[name]
		id := n.ChainID
		if id == 0 && n.ChainIDHex != "" {
			parsed, err := hexutil.DecodeUint64(utilsEth.NormalizeHex0x(strings.TrimSpace(n.ChainIDHex)))
			if err != nil {
				return nil, errors.Wrapf(err, "network %s: chain id %q", name, n.ChainIDHex)
			}
			id = parsed
		}
		if id == 0 {
			return nil, errors.Newf("network %s: missing chain id", name)
		}
		for _, r := range n.RPCs {
			if strings.TrimSpace(r.URL) == "" {
				continue
			}
			out[id] = append(out[id], Endpoint{Network: name, Name: r.Name, URL: strings.TrimSpace(r.URL)})
		}
	}
	return out, nil
}

func New(cfg *utilsEth.MultiConfig, opts ...Option) (*Client, error) {
	endpoints, err := EndpointsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithEndpoints(endpoints, opts...), nil
}

func NewWithEndpoints(endpoints map[uint64][]Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoints:       endpoints,
		endpointTimeout: DefaultEndpointTimeout,
		clients:         make(map[string]*rpc.Client),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ChainIDs lists configured chains in ascending order.
func (c *Client) ChainIDs() []uint64 {
	out := make([]uint64, 0, len(c.endpoints))
	for id := range c.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Client) HasChain(chainID uint64) bool {
	return len(c.endpoints[chainID]) > 0
}

// Broadcast submits a signed transaction and returns its hash.
func (c *Client) Broadcast(ctx context.Context, chainID uint64, tx *types.Transaction) (common.Hash, error) {
	err := c.each(ctx, chainID, "eth_sendRawTransaction", func(ctx context.Context, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
	if err != nil {
		return common.Hash{}, err
	}
	log.Info("transaction broadcast", "chainId", chainID, "hash", tx.Hash().Hex())
	return tx.Hash(), nil
}

// Call forwards a raw JSON-RPC method. params must be a JSON array or empty.
func (c *Client) Call(ctx context.Context, chainID uint64, method string, params json.RawMessage) (json.RawMessage, error) {
	var args []json.RawMessage
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, errors.Wrapf(protocol.ErrInvalidRequest, "%s params must be an array: %v", method, err)
		}
	}
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}

	var out json.RawMessage
	err := c.each(ctx, chainID, method, func(ctx context.Context, ec *ethclient.Client) error {
		out = nil
		return ec.Client().CallContext(ctx, &out, method, callArgs...)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close drops every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, rc := range c.clients {
		rc.Close()
		delete(c.clients, url)
	}
}

func (c *Client) each(ctx context.Context, chainID uint64, desc string, fn func(context.Context, *ethclient.Client) error) error {
	endpoints := c.endpoints[chainID]
	if len(endpoints) == 0 {
		return errors.Mark(errors.Wrapf(ErrUnknownChain, "chain %d", chainID), protocol.ErrBroadcastFailure)
	}

	var errs []string
	for _, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(protocol.ErrBroadcastFailure, "chain %d %s: %v", chainID, desc, err)
		}
		err := c.tryEndpoint(ctx, ep, fn)
		if err == nil {
			return nil
		}
		log.Warn("rpc endpoint failed", "chainId", chainID, "network", ep.Network, "rpc", ep.Name, "method", desc, "error", err)
		errs = append(errs, ep.URL+": "+err.Error())
	}
	return errors.Wrapf(protocol.ErrBroadcastFailure, "chain %d %s: all %d endpoints failed: %s",
		chainID, desc, len(endpoints), strings.Join(errs, "; "))
}

func (c *Client) tryEndpoint(ctx context.Context, ep Endpoint, fn func(context.Context, *ethclient.Client) error) error {
	epCtx, cancel := context.WithTimeout(ctx, c.endpointTimeout)
	defer cancel()

	rc, err := c.dial(epCtx, ep.URL)
	if err != nil {
		return err
	}
	if err := fn(epCtx, ethclient.NewClient(rc)); err != nil {
		c.drop(ep.URL, rc)
		return err
	}
	return nil
}

func (c *Client) dial(ctx context.Context, url string) (*rpc.Client, error) {
	c.mu.Lock()
	if rc := c.clients[url]; rc != nil {
		c.mu.Unlock()
		return rc, nil
	}
	c.mu.Unlock()

	cfg := retry.DefaultConfig()
	cfg.InitialDelayBeforeRetrying = 100 * time.Millisecond
	cfg.MaxDelayBeforeRetrying = time.Second

	var rc *rpc.Client
	_, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			dialed, err := rpc.DialContext(ctx, url)
			if err != nil {
				return nil, err
			}
			rc = dialed
			return nil, nil
		},
		nil,
		"dial rpc endpoint")
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	if rc == nil {
		return nil, errors.Newf("dial %s: no client", url)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.clients[url]; existing != nil {
		rc.Close()
		return existing, nil
	}
	c.clients[url] = rc
	return rc, nil
}

// drop forgets a client that just failed so the next call redials.
func (c *Client) drop(url string, rc *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clients[url] == rc {
		delete(c.clients, url)
		rc.Close()
	}
}

// parseQuantity reads a 0x hex quantity. Leading zeros are tolerated since dApps send them.
func parseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == s || digits == "" {
		return nil, errors.Wrapf(protocol.ErrInvalidRequest, "quantity %q is not 0x hex", s)
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok || v.Sign() < 0 {
		return nil, errors.Wrapf(protocol.ErrInvalidRequest, "quantity %q is not 0x hex", s)
	}
	return v, nil
}
