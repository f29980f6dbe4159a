package signer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// PersonalMessageHash is the EIP-191 digest used by personal_sign.
func PersonalMessageHash(msg []byte) []byte {
	// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// ParsePersonalMessage decodes a 0x hex payload, or takes the string as UTF-8 text.
func ParsePersonalMessage(msg string) []byte {
	if strings.HasPrefix(msg, "0x") || strings.HasPrefix(msg, "0X") {
		if b, err := hex.DecodeString(msg[2:]); err == nil {
			return b
		}
	}
	return []byte(msg)
}

// TypedDataHash is the EIP-712 v4 digest. raw may be the typed data object or a JSON
// string holding it, which is how most dApps pass eth_signTypedData_v4 params.
func TypedDataHash(raw json.RawMessage) ([]byte, error) {
	body := raw
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		body = json.RawMessage(asString)
	}

	var td apitypes.TypedData
	if err := json.Unmarshal(body, &td); err != nil {
		return nil, fmt.Errorf("%w: invalid typed data json: %v", protocol.ErrInvalidRequest, err)
	}

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("%w: domain hash: %v", protocol.ErrInvalidRequest, err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: message hash: %v", protocol.ErrInvalidRequest, err)
	}

	// keccak256("\x19\x01" || domainSeparator || msgHash)
	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, msgHash), nil
}

// SigToV27 converts V 0/1 to 27/28, the form wallets hand back to dApps.
func SigToV27(sig65 []byte) ([]byte, error) {
	if len(sig65) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig65))
	}
	out := make([]byte, crypto.SignatureLength)
	copy(out, sig65)

	switch out[64] {
	case 0, 1:
		out[64] += 27
	case 27, 28:
	default:
		return nil, fmt.Errorf("unexpected v value %d", out[64])
	}
	return out, nil
}

func sigHex(sig65 []byte) (string, error) {
	v27, err := SigToV27(sig65)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(v27), nil
}
