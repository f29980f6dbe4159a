package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Sender identifies where a message came from. TabID 0 means no tab (e.g. the approval window).
type Sender struct {
	TabID  int    `json:"tabId,omitempty"`
	Origin string `json:"origin,omitempty"`
}

// PendingRequest is the durable record of one request awaiting a human decision.
type PendingRequest struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	TabID     int             `json:"tabId,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodePayload unmarshals the kind-specific payload into dst.
func (p *PendingRequest) DecodePayload(dst any) error {
	if len(p.Payload) == 0 {
		return fmt.Errorf("%w: %s request %s has no payload", ErrInvalidRequest, p.Kind, p.ID)
	}
	if err := json.Unmarshal(p.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrInvalidRequest, p.Kind, err)
	}
	return nil
}

// NewPendingRequest builds a PendingRequest with payload marshaled to JSON.
func NewPendingRequest(id string, kind Kind, sender Sender, payload any, now time.Time) (PendingRequest, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return PendingRequest{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return PendingRequest{
		ID:        id,
		Kind:      kind,
		TabID:     sender.TabID,
		Origin:    sender.Origin,
		CreatedAt: now.UTC(),
		Payload:   raw,
	}, nil
}

type ConnectionRequest struct {
	Origin            string   `json:"origin"`
	Name              string   `json:"name,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Accounts          []string `json:"accounts,omitempty"`
	DetectedProviders []string `json:"detectedProviders,omitempty"`
}

const (
	SignMethodPersonal  = "personal_sign"
	SignMethodTypedData = "eth_signTypedData_v4"
)

type SignatureRequest struct {
	Method    string          `json:"method"`
	Address   string          `json:"address"`
	Message   string          `json:"message,omitempty"`
	TypedData json.RawMessage `json:"typedData,omitempty"`
}

type TransactionRequest struct {
	Address     string   `json:"address"`
	Transaction TxFields `json:"transaction"`
	// Broadcast is false for eth_signTransaction.
	Broadcast bool `json:"broadcast"`
}

type CallsRequest struct {
	Address string `json:"address"`
	ChainID string `json:"chainId,omitempty"`
	Calls   []Call `json:"calls"`
}

// TxFields mirrors the EIP-1193 transaction object. Quantities are 0x hex strings.
type TxFields struct {
	From                 string `json:"from,omitempty"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
	ChainID              string `json:"chainId,omitempty"`
}

// Call is one entry of a wallet_sendCalls batch.
type Call struct {
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

// ConnectionGrant records that an origin may see an account. Grants never expire.
type ConnectionGrant struct {
	Origin    string    `json:"origin"`
	Account   string    `json:"account"`
	Name      string    `json:"name,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	GrantedAt time.Time `json:"grantedAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Outcome is the recorded decision for a request id, kept briefly so pollers can observe it.
type Outcome struct {
	RequestID string          `json:"requestId"`
	Kind      Kind            `json:"kind"`
	Approved  bool            `json:"approved"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	DecidedAt time.Time       `json:"decidedAt"`
}

// PendingStatus answers a relay poll.
type PendingStatus struct {
	Pending bool     `json:"pending"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// ApproveOptions carries what the user chose in the approval window.
type ApproveOptions struct {
	// Account overrides the selected account for connection approvals.
	Account string `json:"account,omitempty"`
	// Transaction replaces the requested fields with user edits (gas, fees).
	Transaction *TxFields `json:"transaction,omitempty"`
}

// SignatureBundle is returned for multisig accounts instead of a single signature.
type SignatureBundle struct {
	Account    string          `json:"account"`
	Digest     string          `json:"digest"`
	Threshold  int             `json:"threshold"`
	Signatures []ChipSignature `json:"signatures"`
	// UnsignedTx is set for transaction approvals; combining happens on-chain.
	UnsignedTx string `json:"unsignedTx,omitempty"`
}

type ChipSignature struct {
	Slot      int    `json:"slot"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// CallsResult is the wallet_sendCalls answer.
type CallsResult struct {
	ID                string            `json:"id"`
	TransactionHashes []string          `json:"transactionHashes,omitempty"`
	Bundles           []SignatureBundle `json:"bundles,omitempty"`
}

// NormalizeAddress returns the checksummed form of a hex address, or an error.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: invalid address %q", ErrInvalidRequest, s)
	}
	return common.HexToAddress(s).Hex(), nil
}
