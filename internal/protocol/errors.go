package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the wire name of an error carried in a Reply.
type ErrorCode string

const (
	CodeNotFound         ErrorCode = "NotFound"
	CodeWalletLocked     ErrorCode = "WalletLocked"
	CodeUnknownMethod    ErrorCode = "UnknownMethod"
	CodeTimeout          ErrorCode = "Timeout"
	CodeDeliveryFailure  ErrorCode = "DeliveryFailure"
	CodeSigningFailure   ErrorCode = "SigningFailure"
	CodeBroadcastFailure ErrorCode = "BroadcastFailure"
	CodeRejected         ErrorCode = "Rejected"
	CodeInvalidRequest   ErrorCode = "InvalidRequest"
	CodeInternal         ErrorCode = "Internal"
)

var (
	ErrNotFound         = errors.New("request not found")
	ErrWalletLocked     = errors.New("wallet is locked")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrTimeout          = errors.New("request timed out")
	ErrDeliveryFailure  = errors.New("push delivery failed")
	ErrSigningFailure   = errors.New("signing failed")
	ErrBroadcastFailure = errors.New("broadcast failed")
	ErrRejected         = errors.New("user rejected the request")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnknownMessage   = errors.New("unknown message type")
)

var codeSentinels = []struct {
	code ErrorCode
	err  error
}{
	{CodeNotFound, ErrNotFound},
	{CodeWalletLocked, ErrWalletLocked},
	{CodeUnknownMethod, ErrUnknownMethod},
	{CodeTimeout, ErrTimeout},
	{CodeDeliveryFailure, ErrDeliveryFailure},
	{CodeSigningFailure, ErrSigningFailure},
	{CodeBroadcastFailure, ErrBroadcastFailure},
	{CodeRejected, ErrRejected},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeInvalidRequest, ErrUnknownMessage},
}

// CodeOf maps err onto the wire taxonomy. Unclassified errors are CodeInternal.
func CodeOf(err error) ErrorCode {
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.err) {
			return cs.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error that matches the sentinel for code with errors.Is.
func ErrorFromCode(code ErrorCode, msg string) error {
	for _, cs := range codeSentinels {
		if cs.code != code {
			continue
		}
		if msg == "" || msg == cs.err.Error() {
			return cs.err
		}
		return &codedError{sentinel: cs.err, msg: msg}
	}
	if msg == "" {
		msg = "internal error"
	}
	return errors.New(msg)
}

type codedError struct {
	sentinel error
	msg      string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Unwrap() error { return e.sentinel }

// EIP-1193 / JSON-RPC provider error codes.
const (
	ProviderCodeUserRejected     = 4001
	ProviderCodeUnauthorized     = 4100
	ProviderCodeUnsupported      = 4200
	ProviderCodeDisconnected     = 4900
	ProviderCodeInvalidParams    = -32602
	ProviderCodeInternal         = -32603
	ProviderCodeMethodNotFound   = -32601
	ProviderCodeResourceNotFound = -32001
)

// ProviderError is the error shape surfaced to dApp code.
type ProviderError struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Reason  ErrorCode `json:"reason,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return ErrorFromCode(e.Reason, "")
}

// NewProviderError converts an internal error to its dApp-facing form.
func NewProviderError(err error) *ProviderError {
	code := CodeOf(err)
	pe := &ProviderError{Message: err.Error(), Reason: code}
	switch code {
	case CodeRejected:
		pe.Code = ProviderCodeUserRejected
	case CodeWalletLocked:
		pe.Code = ProviderCodeUnauthorized
	case CodeUnknownMethod:
		pe.Code = ProviderCodeUnsupported
	case CodeInvalidRequest:
		pe.Code = ProviderCodeInvalidParams
	case CodeNotFound:
		pe.Code = ProviderCodeResourceNotFound
	case CodeDeliveryFailure:
		pe.Code = ProviderCodeDisconnected
	default:
		pe.Code = ProviderCodeInternal
	}
	return pe
}
