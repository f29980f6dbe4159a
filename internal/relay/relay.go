// Package relay forwards one tab's provider calls to the Coordinator and correlates the
// asynchronous decisions back to the calls that asked for them.
//
// A Relay is built once per tab. Calls the Coordinator answers immediately settle at once.
// Calls it marks pending are settled by whichever comes first: a decision push for the
// request id, the status poller noticing the request is gone, or the timeout.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/oneshot"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 300 * time.Second
)

// Transport reaches the Coordinator. coordinator.LocalTransport and nativemsg.Client
// implement it.
type Transport interface {
	Send(ctx context.Context, from protocol.Sender, msg protocol.Message) (protocol.Reply, error)
	SubscribePushes(tabID int, ch chan<- protocol.Push) event.Subscription
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Result is how a dispatched call ended.
type Result struct {
	Value json.RawMessage
	Err   error
}

type entry struct {
	localID   string
	requestID string
	kind      protocol.Kind
	result    *oneshot.Value[Result]
}

// settle reports whether this call decided the entry.
func (e *entry) settle(source string, r Result) bool {
	if !e.result.Resolve(r) {
		return false
	}
	log.Info("request settled", "requestId", e.requestID, "via", source, "error", r.Err)
	return true
}

type Relay struct {
	transport Transport
	tab       protocol.Sender
	cfg       Config

	mu        sync.Mutex
	entries   map[string]*entry
	byRequest map[string]*entry
}

func New(t Transport, tab protocol.Sender, cfg Config) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Relay{
		transport: t,
		tab:       tab,
		cfg:       cfg,
		entries:   make(map[string]*entry),
		byRequest: make(map[string]*entry),
	}
}

// Run listens for decision pushes addressed to this tab until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ch := make(chan protocol.Push, 16)
	sub := r.transport.SubscribePushes(r.tab.TabID, ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case p := <-ch:
			r.onPush(p)
		}
	}
}

// Dispatch performs one provider call. localID correlates it on the page and may be
// empty, in which case one is generated.
func (r *Relay) Dispatch(ctx context.Context, localID, method string, params json.RawMessage) (json.RawMessage, error) {
	msg, err := Translate(r.tab.Origin, method, params)
	if err != nil {
		return nil, err
	}
	reply, err := r.transport.Send(ctx, r.tab, msg)
	if err != nil {
		return nil, fmt.Errorf("relay: send %s: %w", msg.Type(), err)
	}
	if err := reply.Err(); err != nil {
		return nil, err
	}
	if !reply.Pending {
		if len(reply.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return reply.Result, nil
	}

	kind, ok := kindOf(msg)
	if !ok || reply.RequestID == "" {
		return nil, fmt.Errorf("%w: unexpected pending reply to %s", protocol.ErrInvalidRequest, msg.Type())
	}
	if localID == "" {
		localID = uuid.NewString()
	}
	e := &entry{localID: localID, requestID: reply.RequestID, kind: kind, result: oneshot.New[Result]()}
	if err := r.register(e); err != nil {
		return nil, err
	}
	defer r.discard(e)

	res := r.await(ctx, e)
	return res.Value, res.Err
}

func (r *Relay) await(ctx context.Context, e *entry) Result {
	pollCtx, stop := context.WithCancel(ctx)
	defer stop()
	go r.poll(pollCtx, e)

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-e.result.Done():
	case <-timer.C:
		e.settle("timeout", Result{Err: fmt.Errorf("%w: %s after %s", protocol.ErrTimeout, e.requestID, r.cfg.Timeout)})
	case <-ctx.Done():
		e.settle("cancel", Result{Err: ctx.Err()})
	}
	return e.result.Get()
}

// Outstanding is the number of calls waiting for a decision.
func (r *Relay) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Relay) register(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[e.localID]; dup {
		return fmt.Errorf("%w: call id %s already in flight", protocol.ErrInvalidRequest, e.localID)
	}
	r.entries[e.localID] = e
	r.byRequest[e.requestID] = e
	return nil
}

func (r *Relay) discard(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.localID] == e {
		delete(r.entries, e.localID)
	}
	if r.byRequest[e.requestID] == e {
		delete(r.byRequest, e.requestID)
	}
}

func (r *Relay) onPush(p protocol.Push) {
	r.mu.Lock()
	e := r.byRequest[p.RequestID]
	r.mu.Unlock()
	if e == nil {
		return
	}
	if p.Type.Approved() {
		e.settle("push", Result{Value: p.Result})
		return
	}
	e.settle("push", Result{Err: fmt.Errorf("%w (%s)", protocol.ErrRejected, p.Type)})
}

// poll watches the request until it leaves the queue, then works out how it ended.
func (r *Relay) poll(ctx context.Context, e *entry) {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.result.Done():
			return
		case <-t.C:
		}

		reply, err := r.transport.Send(ctx, r.tab, protocol.GetPendingStatus{Kind: e.kind, RequestID: e.requestID})
		if err != nil || !reply.Success {
			continue
		}
		var st protocol.PendingStatus
		if err := reply.DecodeResult(&st); err != nil || st.Pending {
			continue
		}
		if res, ok := r.rederive(ctx, e, st.Outcome); ok {
			e.settle("poll", res)
		}
		return
	}
}

// rederive reconstructs the result of a request that is no longer pending. Without a
// recorded outcome only a connection can be answered, from the grant table.
func (r *Relay) rederive(ctx context.Context, e *entry, o *protocol.Outcome) (Result, bool) {
	if o != nil {
		if o.Approved {
			return Result{Value: o.Result}, true
		}
		return Result{Err: rejection(o.Error)}, true
	}
	if e.kind != protocol.KindConnection {
		log.Warn("pending request vanished without outcome", "kind", e.kind, "requestId", e.requestID)
		return Result{}, false
	}

	reply, err := r.transport.Send(ctx, r.tab, protocol.ConnectDapp{Origin: r.tab.Origin, Silent: true})
	if err != nil {
		return Result{Err: fmt.Errorf("relay: re-check grant: %w", err)}, true
	}
	if reply.AlreadyConnected {
		return Result{Value: reply.Result}, true
	}
	return Result{Err: rejection("connection not granted")}, true
}

func rejection(msg string) error {
	if msg == "" || msg == protocol.ErrRejected.Error() {
		return protocol.ErrRejected
	}
	return fmt.Errorf("%w: %s", protocol.ErrRejected, msg)
}
