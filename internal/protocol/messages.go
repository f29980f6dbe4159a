package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the wire tag of a Message.
type MessageType string

const (
	TypeConnectDapp        MessageType = "CONNECT_DAPP"
	TypeApproveConnection  MessageType = "APPROVE_CONNECTION"
	TypeRejectConnection   MessageType = "REJECT_CONNECTION"
	TypeSignMessage        MessageType = "SIGN_MESSAGE"
	TypeSignTypedData      MessageType = "SIGN_TYPED_DATA"
	TypeApproveSignature   MessageType = "APPROVE_SIGNATURE"
	TypeRejectSignature    MessageType = "REJECT_SIGNATURE"
	TypeSignTransaction    MessageType = "SIGN_TRANSACTION"
	TypeSendTransaction    MessageType = "SEND_TRANSACTION"
	TypeApproveTransaction MessageType = "APPROVE_TRANSACTION"
	TypeRejectTransaction  MessageType = "REJECT_TRANSACTION"
	TypeSendCalls          MessageType = "SEND_CALLS"
	TypeApproveCalls       MessageType = "APPROVE_CALLS"
	TypeRejectCalls        MessageType = "REJECT_CALLS"
	TypeGetPending         MessageType = "GET_PENDING"
	TypeGetPendingStatus   MessageType = "GET_PENDING_STATUS"
	TypeRPCRequest         MessageType = "RPC_REQUEST"
)

// Message is the closed set of requests the Coordinator understands.
// Only types in this package implement it.
type Message interface {
	Type() MessageType
	isMessage()
}

type ConnectDapp struct {
	Origin            string   `json:"origin"`
	Name              string   `json:"name,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	DetectedProviders []string `json:"detectedProviders,omitempty"`
	// Silent answers from existing grants only and never opens a window (eth_accounts).
	Silent bool `json:"silent,omitempty"`
	// Reconnect forces a fresh approval even when a grant exists.
	Reconnect bool `json:"reconnect,omitempty"`
}

type ApproveConnection struct {
	RequestID string `json:"requestId"`
	Origin    string `json:"origin,omitempty"`
	Account   string `json:"account,omitempty"`
}

type RejectConnection struct {
	RequestID string `json:"requestId"`
	Origin    string `json:"origin,omitempty"`
}

type SignMessage struct {
	Message string `json:"message"`
	Address string `json:"address"`
}

type SignTypedData struct {
	Address   string          `json:"address"`
	TypedData json.RawMessage `json:"typedData"`
}

type ApproveSignature struct {
	RequestID string `json:"requestId"`
}

type RejectSignature struct {
	RequestID string `json:"requestId"`
}

type SignTransaction struct {
	Transaction TxFields `json:"transaction"`
}

type SendTransaction struct {
	Transaction TxFields `json:"transaction"`
	Address     string   `json:"address"`
}

type ApproveTransaction struct {
	RequestID   string    `json:"requestId"`
	Transaction *TxFields `json:"transaction,omitempty"`
}

type RejectTransaction struct {
	RequestID string `json:"requestId"`
}

type SendCalls struct {
	Address string `json:"address"`
	ChainID string `json:"chainId,omitempty"`
	Calls   []Call `json:"calls"`
}

type ApproveCalls struct {
	RequestID string `json:"requestId"`
}

type RejectCalls struct {
	RequestID string `json:"requestId"`
}

type GetPending struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestId"`
}

type GetPendingStatus struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"requestId"`
}

type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (ConnectDapp) Type() MessageType        { return TypeConnectDapp }
func (ApproveConnection) Type() MessageType  { return TypeApproveConnection }
func (RejectConnection) Type() MessageType   { return TypeRejectConnection }
func (SignMessage) Type() MessageType        { return TypeSignMessage }
func (SignTypedData) Type() MessageType      { return TypeSignTypedData }
func (ApproveSignature) Type() MessageType   { return TypeApproveSignature }
func (RejectSignature) Type() MessageType    { return TypeRejectSignature }
func (SignTransaction) Type() MessageType    { return TypeSignTransaction }
func (SendTransaction) Type() MessageType    { return TypeSendTransaction }
func (ApproveTransaction) Type() MessageType { return TypeApproveTransaction }
func (RejectTransaction) Type() MessageType  { return TypeRejectTransaction }
func (SendCalls) Type() MessageType          { return TypeSendCalls }
func (ApproveCalls) Type() MessageType       { return TypeApproveCalls }
func (RejectCalls) Type() MessageType        { return TypeRejectCalls }
func (GetPending) Type() MessageType         { return TypeGetPending }
func (GetPendingStatus) Type() MessageType   { return TypeGetPendingStatus }
func (RPCRequest) Type() MessageType         { return TypeRPCRequest }

func (ConnectDapp) isMessage()        {}
func (ApproveConnection) isMessage()  {}
func (RejectConnection) isMessage()   {}
func (SignMessage) isMessage()        {}
func (SignTypedData) isMessage()      {}
func (ApproveSignature) isMessage()   {}
func (RejectSignature) isMessage()    {}
func (SignTransaction) isMessage()    {}
func (SendTransaction) isMessage()    {}
func (ApproveTransaction) isMessage() {}
func (RejectTransaction) isMessage()  {}
func (SendCalls) isMessage()          {}
func (ApproveCalls) isMessage()       {}
func (RejectCalls) isMessage()        {}
func (GetPending) isMessage()         {}
func (GetPendingStatus) isMessage()   {}
func (RPCRequest) isMessage()         {}

// Envelope is the JSON form of a Message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(m Message) (Envelope, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	return Envelope{Type: m.Type(), Payload: raw}, nil
}

func Decode(env Envelope) (Message, error) {
	switch env.Type {
	case TypeConnectDapp:
		return decodeAs[ConnectDapp](env)
	case TypeApproveConnection:
		return decodeAs[ApproveConnection](env)
	case TypeRejectConnection:
		return decodeAs[RejectConnection](env)
	case TypeSignMessage:
		return decodeAs[SignMessage](env)
	case TypeSignTypedData:
		return decodeAs[SignTypedData](env)
	case TypeApproveSignature:
		return decodeAs[ApproveSignature](env)
	case TypeRejectSignature:
		return decodeAs[RejectSignature](env)
	case TypeSignTransaction:
		return decodeAs[SignTransaction](env)
	case TypeSendTransaction:
		return decodeAs[SendTransaction](env)
	case TypeApproveTransaction:
		return decodeAs[ApproveTransaction](env)
	case TypeRejectTransaction:
		return decodeAs[RejectTransaction](env)
	case TypeSendCalls:
		return decodeAs[SendCalls](env)
	case TypeApproveCalls:
		return decodeAs[ApproveCalls](env)
	case TypeRejectCalls:
		return decodeAs[RejectCalls](env)
	case TypeGetPending:
		return decodeAs[GetPending](env)
	case TypeGetPendingStatus:
		return decodeAs[GetPendingStatus](env)
	case TypeRPCRequest:
		return decodeAs[RPCRequest](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeAs[T Message](env Envelope) (Message, error) {
	var m T
	if len(env.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidRequest, env.Type, err)
	}
	return m, nil
}

// Push is a decision notification from the Coordinator to the originating tab.
type Push struct {
	Type      PushType        `json:"type"`
	RequestID string          `json:"requestId"`
	Origin    string          `json:"origin,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}
