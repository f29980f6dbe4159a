package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// passthroughPrefixes are forwarded to the chain untouched.
var passthroughPrefixes = []string{"eth_", "net_", "web3_"}

// Translate maps a dApp method call onto the Coordinator message that serves it.
func Translate(origin, method string, params json.RawMessage) (protocol.Message, error) {
	switch method {
	case "eth_requestAccounts":
		return protocol.ConnectDapp{Origin: origin}, nil
	case "eth_accounts":
		return protocol.ConnectDapp{Origin: origin, Silent: true}, nil

	case "personal_sign":
		var args []string
		if err := decodeParams(method, params, &args); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s needs a message", protocol.ErrInvalidRequest, method)
		}
		msg := protocol.SignMessage{Message: args[0]}
		if len(args) > 1 {
			msg.Address = args[1]
			// some dApps send [address, message]
			if common.IsHexAddress(args[0]) && !common.IsHexAddress(args[1]) {
				msg.Message, msg.Address = args[1], args[0]
			}
		}
		return msg, nil

	case "eth_signTypedData", "eth_signTypedData_v3", "eth_signTypedData_v4":
		var args []json.RawMessage
		if err := decodeParams(method, params, &args); err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: %s needs [address, typedData]", protocol.ErrInvalidRequest, method)
		}
		var addr string
		if err := json.Unmarshal(args[0], &addr); err != nil {
			return nil, fmt.Errorf("%w: %s address: %v", protocol.ErrInvalidRequest, method, err)
		}
		return protocol.SignTypedData{Address: addr, TypedData: args[1]}, nil

	case "eth_sendTransaction", "eth_signTransaction":
		var args []protocol.TxFields
		if err := decodeParams(method, params, &args); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s needs a transaction", protocol.ErrInvalidRequest, method)
		}
		if method == "eth_signTransaction" {
			return protocol.SignTransaction{Transaction: args[0]}, nil
		}
		return protocol.SendTransaction{Transaction: args[0], Address: args[0].From}, nil

	case "wallet_sendCalls":
		var args []struct {
			Version string          `json:"version"`
			ChainID string          `json:"chainId"`
			From    string          `json:"from"`
			Calls   []protocol.Call `json:"calls"`
		}
		if err := decodeParams(method, params, &args); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: %s needs a batch", protocol.ErrInvalidRequest, method)
		}
		return protocol.SendCalls{Address: args[0].From, ChainID: args[0].ChainID, Calls: args[0].Calls}, nil
	}

	for _, p := range passthroughPrefixes {
		if strings.HasPrefix(method, p) {
			return protocol.RPCRequest{Method: method, Params: params}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownMethod, method)
}

// kindOf is the approval kind a pending reply to msg belongs to.
func kindOf(msg protocol.Message) (protocol.Kind, bool) {
	switch msg.(type) {
	case protocol.ConnectDapp:
		return protocol.KindConnection, true
	case protocol.SignMessage, protocol.SignTypedData:
		return protocol.KindSignature, true
	case protocol.SendTransaction, protocol.SignTransaction:
		return protocol.KindTransaction, true
	case protocol.SendCalls:
		return protocol.KindBatchedCalls, true
	default:
		return "", false
	}
}

func decodeParams(method string, params json.RawMessage, dst any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("%w: %s params: %v", protocol.ErrInvalidRequest, method, err)
	}
	return nil
}
