package chains

import (
	"context"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// ParseChainID reads a 0x chain id; empty means fallback.
func ParseChainID(s string, fallback uint64) (uint64, error) {
	v, err := parseQuantity(s)
	if err != nil {
		return 0, err
	}
	if v == nil {
		if fallback == 0 {
			return 0, errors.Wrap(protocol.ErrInvalidRequest, "chain id missing")
		}
		return fallback, nil
	}
	if !v.IsUint64() || v.Uint64() == 0 {
		return 0, errors.Wrapf(protocol.ErrInvalidRequest, "chain id %q out of range", s)
	}
	return v.Uint64(), nil
}

// Fill turns request fields into an unsigned transaction, asking the chain for whatever
// is missing: nonce, gas limit and fees. A legacy gasPrice without EIP-1559 fields keeps
// the transaction legacy.
func (c *Client) Fill(ctx context.Context, chainID uint64, from common.Address, f protocol.TxFields) (*types.Transaction, error) {
	var to *common.Address
	if strings.TrimSpace(f.To) != "" {
		if !common.IsHexAddress(f.To) {
			return nil, errors.Wrapf(protocol.ErrInvalidRequest, "invalid to address %q", f.To)
		}
		addr := common.HexToAddress(f.To)
		to = &addr
	}
	var data []byte
	if d := strings.TrimSpace(f.Data); d != "" && d != "0x" {
		b, err := hexutil.Decode(d)
		if err != nil {
			return nil, errors.Wrapf(protocol.ErrInvalidRequest, "data: %v", err)
		}
		data = b
	}

	value, err := parseQuantity(f.Value)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}
	gas, err := parseQuantity(f.Gas)
	if err != nil {
		return nil, err
	}
	nonce, err := parseQuantity(f.Nonce)
	if err != nil {
		return nil, err
	}
	gasPrice, err := parseQuantity(f.GasPrice)
	if err != nil {
		return nil, err
	}
	maxFee, err := parseQuantity(f.MaxFeePerGas)
	if err != nil {
		return nil, err
	}
	tip, err := parseQuantity(f.MaxPriorityFeePerGas)
	if err != nil {
		return nil, err
	}
	legacy := gasPrice != nil && maxFee == nil && tip == nil

	var tx *types.Transaction
	err = c.each(ctx, chainID, "fill transaction", func(ctx context.Context, ec *ethclient.Client) error {
		n := nonce
		if n == nil {
			pending, err := ec.PendingNonceAt(ctx, from)
			if err != nil {
				return errors.Wrap(err, "pending nonce")
			}
			n = new(big.Int).SetUint64(pending)
		}

		g := gas
		if g == nil {
			est, err := ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
			if err != nil {
				return errors.Wrap(err, "estimate gas")
			}
			g = new(big.Int).SetUint64(est)
		}

		if legacy {
			tx = types.NewTx(&types.LegacyTx{
				Nonce:    n.Uint64(),
				GasPrice: gasPrice,
				Gas:      g.Uint64(),
				To:       to,
				Value:    value,
				Data:     data,
			})
			return nil
		}

		t := tip
		if t == nil {
			suggested, err := ec.SuggestGasTipCap(ctx)
			if err != nil {
				return errors.Wrap(err, "suggest tip")
			}
			t = suggested
		}
		fee := maxFee
		if fee == nil {
			price, err := ec.SuggestGasPrice(ctx)
			if err != nil {
				return errors.Wrap(err, "suggest gas price")
			}
			// room for one base fee doubling
			fee = new(big.Int).Add(new(big.Int).Mul(price, big.NewInt(2)), t)
		}
		if fee.Cmp(t) < 0 {
			fee = new(big.Int).Set(t)
		}

		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     n.Uint64(),
			GasTipCap: t,
			GasFeeCap: fee,
			Gas:       g.Uint64(),
			To:        to,
			Value:     value,
			Data:      data,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}
