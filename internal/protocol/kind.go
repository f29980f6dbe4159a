package protocol

import "fmt"

// Kind identifies one approval slot. Each kind has its own queue of pending requests.
type Kind string

const (
	KindConnection   Kind = "connection"
	KindSignature    Kind = "signature"
	KindTransaction  Kind = "transaction"
	KindBatchedCalls Kind = "batched_calls"
)

// Kinds lists every approval kind in display priority order.
var Kinds = []Kind{KindConnection, KindSignature, KindTransaction, KindBatchedCalls}

func (k Kind) Valid() bool {
	switch k {
	case KindConnection, KindSignature, KindTransaction, KindBatchedCalls:
		return true
	default:
		return false
	}
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, s)
	}
	return k, nil
}

// PushType is the tag of a decision notification sent to the originating tab.
type PushType string

const (
	PushConnectApproved     PushType = "CONNECT_APPROVED"
	PushConnectRejected     PushType = "CONNECT_REJECTED"
	PushSignatureApproved   PushType = "SIGNATURE_APPROVED"
	PushSignatureRejected   PushType = "SIGNATURE_REJECTED"
	PushTransactionApproved PushType = "TRANSACTION_APPROVED"
	PushTransactionRejected PushType = "TRANSACTION_REJECTED"
	PushCallsApproved       PushType = "CALLS_APPROVED"
	PushCallsRejected       PushType = "CALLS_REJECTED"
)

// PushTypeFor returns the notification tag for a decision on kind.
func PushTypeFor(kind Kind, approved bool) PushType {
	switch kind {
	case KindConnection:
		if approved {
			return PushConnectApproved
		}
		return PushConnectRejected
	case KindSignature:
		if approved {
			return PushSignatureApproved
		}
		return PushSignatureRejected
	case KindTransaction:
		if approved {
			return PushTransactionApproved
		}
		return PushTransactionRejected
	case KindBatchedCalls:
		if approved {
			return PushCallsApproved
		}
		return PushCallsRejected
	default:
		panic(fmt.Sprintf("protocol: no push type for kind %q", kind))
	}
}

func (t PushType) Approved() bool {
	switch t {
	case PushConnectApproved, PushSignatureApproved, PushTransactionApproved, PushCallsApproved:
		return true
	default:
		return false
	}
}
