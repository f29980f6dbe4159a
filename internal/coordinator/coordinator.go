// Package coordinator is the single writer of pending approval state. It admits dApp
// requests, keeps at most one approval window open, applies the user's decisions and
// notifies the originating tab.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/signer"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/store"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

const (
	DefaultApprovalURL        = "approval.html"
	DefaultCreationRetryDelay = 150 * time.Millisecond

	eventBuffer = 64
)

// Accounts is the part of the account store the Coordinator reads.
type Accounts interface {
	IsUnlocked() bool
	GetSelectedAccount() (keystore.Account, error)
	Account(address common.Address) (keystore.Account, error)
	SubscribeSelected(ch chan<- common.Address) event.Subscription
}

type Signers interface {
	Select(ctx context.Context, address common.Address) (*signer.Selection, error)
}

// Chain fills, broadcasts and forwards calls. chains.Client implements it.
type Chain interface {
	Fill(ctx context.Context, chainID uint64, from common.Address, f protocol.TxFields) (*types.Transaction, error)
	Broadcast(ctx context.Context, chainID uint64, tx *types.Transaction) (common.Hash, error)
	Call(ctx context.Context, chainID uint64, method string, params json.RawMessage) (json.RawMessage, error)
}

// Pusher delivers decision notifications to a tab. A tab nobody listens on yields
// protocol.ErrDeliveryFailure.
type Pusher interface {
	Push(ctx context.Context, tabID int, p protocol.Push) error
}

type Config struct {
	ApprovalURL        string        `yaml:"ApprovalURL"`
	CreationRetryDelay time.Duration `yaml:"CreationRetryDelay"`
	Layout             window.Layout `yaml:"Layout"`
	DefaultChainID     uint64        `yaml:"DefaultChainID"`
}

type Deps struct {
	State    *store.State
	Accounts Accounts
	Signers  Signers
	// Chain may be nil; transaction approvals then fail with a broadcast failure.
	Chain   Chain
	Windows window.Manager
	Pusher  Pusher
	Clock   func() time.Time
}

// shownWindow is the approval window the Coordinator holds and the request it displays.
type shownWindow struct {
	id        window.ID
	kind      protocol.Kind
	requestID string
}

type Coordinator struct {
	cfg      Config
	state    *store.State
	accounts Accounts
	signers  Signers
	chain    Chain
	windows  window.Manager
	pusher   Pusher
	now      func() time.Time

	mu       sync.Mutex
	current  *shownWindow
	creating bool

	// decideMu serializes decisions and close recovery on the pending queues.
	decideMu sync.Mutex

	closed      chan window.ID
	closedSub   event.Subscription
	selected    chan common.Address
	selectedSub event.Subscription
}

// New builds a Coordinator already subscribed to window closes and account changes.
// Run must be started to consume them.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	switch {
	case deps.State == nil:
		return nil, errors.New("coordinator: state is required")
	case deps.Accounts == nil:
		return nil, errors.New("coordinator: accounts are required")
	case deps.Signers == nil:
		return nil, errors.New("coordinator: signers are required")
	case deps.Windows == nil:
		return nil, errors.New("coordinator: window manager is required")
	case deps.Pusher == nil:
		return nil, errors.New("coordinator: pusher is required")
	}
	if cfg.ApprovalURL == "" {
		cfg.ApprovalURL = DefaultApprovalURL
	}
	if cfg.CreationRetryDelay <= 0 {
		cfg.CreationRetryDelay = DefaultCreationRetryDelay
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	c := &Coordinator{
		cfg:      cfg,
		state:    deps.State,
		accounts: deps.Accounts,
		signers:  deps.Signers,
		chain:    deps.Chain,
		windows:  deps.Windows,
		pusher:   deps.Pusher,
		now:      deps.Clock,
		closed:   make(chan window.ID, eventBuffer),
		selected: make(chan common.Address, eventBuffer),
	}
	// subscribed here so no close is lost between New and Run
	c.closedSub = deps.Windows.SubscribeClosed(c.closed)
	c.selectedSub = deps.Accounts.SubscribeSelected(c.selected)
	return c, nil
}

// Handle answers one message. It never panics; every failure becomes a failed Reply.
func (c *Coordinator) Handle(ctx context.Context, from protocol.Sender, msg protocol.Message) (reply protocol.Reply) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("coordinator handler panicked", "type", typeOf(msg), "panic", r)
			reply = protocol.Fail(fmt.Errorf("internal error handling %s: %v", typeOf(msg), r))
		}
	}()

	switch m := msg.(type) {
	case protocol.ConnectDapp:
		return c.connect(ctx, from, m)
	case protocol.ApproveConnection:
		id, err := c.connectionRequestID(ctx, m.RequestID, m.Origin)
		if err != nil {
			return protocol.Fail(err)
		}
		return resultReply(c.Approve(ctx, protocol.KindConnection, id, protocol.ApproveOptions{Account: m.Account}))
	case protocol.RejectConnection:
		id, err := c.connectionRequestID(ctx, m.RequestID, m.Origin)
		if err != nil {
			return protocol.Fail(err)
		}
		return errReply(c.Reject(ctx, protocol.KindConnection, id))
	case protocol.SignMessage:
		return c.admitSignature(ctx, from, protocol.SignatureRequest{
			Method:  protocol.SignMethodPersonal,
			Address: m.Address,
			Message: m.Message,
		})
	case protocol.SignTypedData:
		return c.admitSignature(ctx, from, protocol.SignatureRequest{
			Method:    protocol.SignMethodTypedData,
			Address:   m.Address,
			TypedData: m.TypedData,
		})
	case protocol.ApproveSignature:
		return resultReply(c.Approve(ctx, protocol.KindSignature, m.RequestID, protocol.ApproveOptions{}))
	case protocol.RejectSignature:
		return errReply(c.Reject(ctx, protocol.KindSignature, m.RequestID))
	case protocol.SignTransaction:
		return c.admitTransaction(ctx, from, protocol.TransactionRequest{Address: m.Transaction.From, Transaction: m.Transaction})
	case protocol.SendTransaction:
		addr := m.Address
		if addr == "" {
			addr = m.Transaction.From
		}
		return c.admitTransaction(ctx, from, protocol.TransactionRequest{Address: addr, Transaction: m.Transaction, Broadcast: true})
	case protocol.ApproveTransaction:
		return resultReply(c.Approve(ctx, protocol.KindTransaction, m.RequestID, protocol.ApproveOptions{Transaction: m.Transaction}))
	case protocol.RejectTransaction:
		return errReply(c.Reject(ctx, protocol.KindTransaction, m.RequestID))
	case protocol.SendCalls:
		return c.admitCalls(ctx, from, protocol.CallsRequest{Address: m.Address, ChainID: m.ChainID, Calls: m.Calls})
	case protocol.ApproveCalls:
		return resultReply(c.Approve(ctx, protocol.KindBatchedCalls, m.RequestID, protocol.ApproveOptions{}))
	case protocol.RejectCalls:
		return errReply(c.Reject(ctx, protocol.KindBatchedCalls, m.RequestID))
	case protocol.GetPending:
		req, err := c.GetPending(ctx, m.Kind, m.RequestID)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(req)
	case protocol.GetPendingStatus:
		st, err := c.PendingStatus(ctx, m.Kind, m.RequestID)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.OK(st)
	case protocol.RPCRequest:
		return resultReply(c.rpc(ctx, m))
	default:
		return protocol.Fail(fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, typeOf(msg)))
	}
}

// GetPending returns what the approval window should render. An empty requestID selects
// the head of kind; an empty kind selects the oldest pending request overall.
func (c *Coordinator) GetPending(ctx context.Context, kind protocol.Kind, requestID string) (*protocol.PendingRequest, error) {
	var (
		req *protocol.PendingRequest
		err error
	)
	switch {
	case kind == "":
		req, err = c.state.Next(ctx)
	case requestID == "":
		req, err = c.state.Head(ctx, kind)
	default:
		return c.state.Get(ctx, kind, requestID)
	}
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("%w: nothing pending", protocol.ErrNotFound)
	}
	return req, nil
}

// PendingStatus tells a poller whether requestID is still queued, and if not, how it ended.
func (c *Coordinator) PendingStatus(ctx context.Context, kind protocol.Kind, requestID string) (protocol.PendingStatus, error) {
	_, err := c.state.Get(ctx, kind, requestID)
	switch {
	case err == nil:
		return protocol.PendingStatus{Pending: true}, nil
	case !errors.Is(err, protocol.ErrNotFound):
		return protocol.PendingStatus{}, err
	}
	o, err := c.state.Outcome(ctx, requestID)
	if err != nil {
		return protocol.PendingStatus{}, err
	}
	return protocol.PendingStatus{Outcome: o}, nil
}

func (c *Coordinator) connectionRequestID(ctx context.Context, requestID, origin string) (string, error) {
	if requestID != "" {
		return requestID, nil
	}
	if origin == "" {
		return "", fmt.Errorf("%w: connection decision needs requestId or origin", protocol.ErrInvalidRequest)
	}
	req, err := c.state.FindByOrigin(ctx, protocol.KindConnection, origin)
	if err != nil {
		return "", err
	}
	if req == nil {
		return "", fmt.Errorf("%w: no pending connection for %s", protocol.ErrNotFound, origin)
	}
	return req.ID, nil
}

func (c *Coordinator) rpc(ctx context.Context, m protocol.RPCRequest) (json.RawMessage, error) {
	switch m.Method {
	case "eth_chainId":
		return json.Marshal(fmt.Sprintf("0x%x", c.cfg.DefaultChainID))
	case "net_version":
		return json.Marshal(fmt.Sprintf("%d", c.cfg.DefaultChainID))
	}
	if c.chain == nil {
		return nil, fmt.Errorf("%w: no chain configured for %s", protocol.ErrBroadcastFailure, m.Method)
	}
	return c.chain.Call(ctx, c.cfg.DefaultChainID, m.Method, m.Params)
}

func newRequestID(kind protocol.Kind) string {
	prefix := map[protocol.Kind]string{
		protocol.KindConnection:   "conn",
		protocol.KindSignature:    "sign",
		protocol.KindTransaction:  "tx",
		protocol.KindBatchedCalls: "calls",
	}[kind]
	return prefix + "_" + uuid.NewString()
}

func resultReply(result json.RawMessage, err error) protocol.Reply {
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK(result)
}

func errReply(err error) protocol.Reply {
	if err != nil {
		return protocol.Fail(err)
	}
	return protocol.OK(nil)
}

func typeOf(msg protocol.Message) string {
	if msg == nil {
		return "<nil>"
	}
	return string(msg.Type())
}
