package chains

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	utilsEth "github.com/quantumauth-io/quantum-go-utils/ethrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

type rpcCall struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type fakeNode struct {
	mu      sync.Mutex
	methods []string
	results map[string]any
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	t.Helper()
	n := &fakeNode{results: map[string]any{
		"eth_getTransactionCount":  "0x7",
		"eth_estimateGas":          "0x5208",
		"eth_maxPriorityFeePerGas": "0x3b9aca00",
		"eth_gasPrice":             "0x77359400",
		"eth_blockNumber":          "0x10",
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		n.methods = append(n.methods, call.Method)
		res, ok := n.results[call.Method]
		n.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": call.ID}
		switch {
		case call.Method == "eth_sendRawTransaction":
			var raw string
			_ = json.Unmarshal(call.Params[0], &raw)
			tx := new(types.Transaction)
			if err := tx.UnmarshalBinary(common.FromHex(raw)); err != nil {
				resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
			} else {
				resp["result"] = tx.Hash().Hex()
			}
		case ok:
			resp["result"] = res
		default:
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) called() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.methods...)
}

func deadServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signedTx(t *testing.T, chainID uint64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	id := new(big.Int).SetUint64(chainID)
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(id), &types.DynamicFeeTx{
		ChainID:   id,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	require.NoError(t, err)
	return tx
}

func TestBroadcastFallsBackToNextURL(t *testing.T) {
	node, good := newFakeNode(t)
	bad := deadServer(t)

	c := NewWithEndpoints(map[uint64][]Endpoint{
		1: {{Network: "mainnet", Name: "primary", URL: bad.URL}, {Network: "mainnet", Name: "backup", URL: good.URL}},
	}, WithEndpointTimeout(2*time.Second))
	defer c.Close()

	tx := signedTx(t, 1)
	hash, err := c.Broadcast(context.Background(), 1, tx)
	require.NoError(t, err)
	assert.Equal(t, tx.Hash(), hash)
	assert.Equal(t, []string{"eth_sendRawTransaction"}, node.called())
}

func TestBroadcastAllEndpointsFail(t *testing.T) {
	bad := deadServer(t)
	c := NewWithEndpoints(map[uint64][]Endpoint{5: {{Name: "a", URL: bad.URL}}}, WithEndpointTimeout(time.Second))
	defer c.Close()

	_, err := c.Broadcast(context.Background(), 5, signedTx(t, 5))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrBroadcastFailure)
	assert.Equal(t, protocol.CodeBroadcastFailure, protocol.CodeOf(err))

	_, err = c.Broadcast(context.Background(), 99, signedTx(t, 99))
	assert.True(t, errors.Is(err, protocol.ErrBroadcastFailure))
	assert.True(t, errors.Is(err, ErrUnknownChain))
}

func TestFillDynamicFee(t *testing.T) {
	node, srv := newFakeNode(t)
	c := NewWithEndpoints(map[uint64][]Endpoint{10: {{URL: srv.URL}}})
	defer c.Close()

	from := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tx, err := c.Fill(context.Background(), 10, from, protocol.TxFields{
		To:    "0x00000000000000000000000000000000000000b0",
		Value: "0x0de0b6b3a7640000",
		Data:  "0x",
	})
	require.NoError(t, err)

	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, big.NewInt(1_000_000_000), tx.GasTipCap())
	// 2 * 2 gwei + 1 gwei tip
	assert.Equal(t, big.NewInt(5_000_000_000), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(10), tx.ChainId())
	assert.Equal(t, "1000000000000000000", tx.Value().String())

	assert.ElementsMatch(t, []string{"eth_getTransactionCount", "eth_estimateGas", "eth_maxPriorityFeePerGas", "eth_gasPrice"}, node.called())
}

func TestFillKeepsUserFields(t *testing.T) {
	node, srv := newFakeNode(t)
	c := NewWithEndpoints(map[uint64][]Endpoint{1: {{URL: srv.URL}}})
	defer c.Close()

	tx, err := c.Fill(context.Background(), 1, common.Address{}, protocol.TxFields{
		To:       "0x00000000000000000000000000000000000000b0",
		Gas:      "0x7530",
		GasPrice: "0x01",
		Nonce:    "0x2",
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(types.LegacyTxType), tx.Type())
	assert.Equal(t, uint64(30000), tx.Gas())
	assert.Equal(t, uint64(2), tx.Nonce())
	assert.Empty(t, node.called())

	_, err = c.Fill(context.Background(), 1, common.Address{}, protocol.TxFields{To: "nope"})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	_, err = c.Fill(context.Background(), 1, common.Address{}, protocol.TxFields{Value: "12"})
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}

func TestCallPassthrough(t *testing.T) {
	_, srv := newFakeNode(t)
	c := NewWithEndpoints(map[uint64][]Endpoint{1: {{URL: srv.URL}}})
	defer c.Close()

	out, err := c.Call(context.Background(), 1, "eth_blockNumber", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.JSONEq(t, `"0x10"`, string(out))

	_, err = c.Call(context.Background(), 1, "eth_blockNumber", json.RawMessage(`{"a":1}`))
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}

func initMap[K comparable, V any](m *map[K]V) { *m = make(map[K]V) }

func TestEndpointsFromConfig(t *testing.T) {
	cfg := &utilsEth.MultiConfig{}
	_, err := EndpointsFromConfig(cfg)
	require.Error(t, err)

	initMap(&cfg.Networks)
	n := cfg.Networks["sepolia"]
	n.ChainIDHex = "0xaa36a7"
	n.RPCs = []utilsEth.RPC{{Name: "a", URL: "https://a.example"}, {Name: "empty"}, {Name: "b", URL: " https://b.example "}}
	cfg.Networks["sepolia"] = n

	eps, err := EndpointsFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, eps[11155111], 2)
	assert.Equal(t, "https://b.example", eps[11155111][1].URL)
}

func TestParseChainID(t *testing.T) {
	id, err := ParseChainID("", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	id, err = ParseChainID("0x0A", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), id)

	_, err = ParseChainID("", 0)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
	_, err = ParseChainID("0x0", 1)
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)
}
