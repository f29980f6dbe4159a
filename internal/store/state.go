// Package store holds the Durable Shared State: per-kind queues of pending approval
// requests, per-origin connection grants and recent decision outcomes.
//
// The Coordinator is the only writer. Readers (pollers, the approval window) go through it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

const (
	keyPendingPrefix = "pending:"
	keyGrants        = "grants"
	keyOutcomes      = "outcomes"

	DefaultOutcomeTTL = 5 * time.Minute
)

type State struct {
	mu         sync.Mutex
	kv         KV
	now        func() time.Time
	outcomeTTL time.Duration
}

type Option func(*State)

func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

func WithOutcomeTTL(d time.Duration) Option {
	return func(s *State) { s.outcomeTTL = d }
}

func NewState(kv KV, opts ...Option) *State {
	s := &State{kv: kv, now: time.Now, outcomeTTL: DefaultOutcomeTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends req to the FIFO queue of its kind.
func (s *State) Enqueue(ctx context.Context, req protocol.PendingRequest) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", protocol.ErrInvalidRequest, req.Kind)
	}
	if req.ID == "" {
		return fmt.Errorf("%w: empty request id", protocol.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(ctx, req.Kind)
	if err != nil {
		return err
	}
	for _, p := range q {
		if p.ID == req.ID {
			return fmt.Errorf("%w: duplicate request id %s", protocol.ErrInvalidRequest, req.ID)
		}
	}
	return s.putQueueLocked(ctx, req.Kind, append(q, req))
}

// Head returns the oldest pending request of kind, or nil when the queue is empty.
func (s *State) Head(ctx context.Context, kind protocol.Kind) (*protocol.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(ctx, kind)
	if err != nil || len(q) == 0 {
		return nil, err
	}
	head := q[0]
	return &head, nil
}

func (s *State) Queue(ctx context.Context, kind protocol.Kind) ([]protocol.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueLocked(ctx, kind)
}

// Pending returns every pending request across kinds, oldest first.
func (s *State) Pending(ctx context.Context) ([]protocol.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []protocol.PendingRequest
	for _, k := range protocol.Kinds {
		q, err := s.queueLocked(ctx, k)
		if err != nil {
			return nil, err
		}
		all = append(all, q...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}

// Next returns the request the approval window should show next, or nil.
func (s *State) Next(ctx context.Context) (*protocol.PendingRequest, error) {
	all, err := s.Pending(ctx)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return &all[0], nil
}

// Get returns the pending request of kind with id. Absent ids yield protocol.ErrNotFound.
func (s *State) Get(ctx context.Context, kind protocol.Kind, id string) (*protocol.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range q {
		if q[i].ID == id {
			p := q[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", protocol.ErrNotFound, kind, id)
}

// FindByOrigin returns the first pending request of kind from origin, or nil.
func (s *State) FindByOrigin(ctx context.Context, kind protocol.Kind, origin string) (*protocol.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(ctx, kind)
	if err != nil {
		return nil, err
	}
	for i := range q {
		if q[i].Origin == origin {
			p := q[i]
			return &p, nil
		}
	}
	return nil, nil
}

// Remove drops the pending request and reports whether it existed.
func (s *State) Remove(ctx context.Context, kind protocol.Kind, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueLocked(ctx, kind)
	if err != nil {
		return false, err
	}
	out := q[:0]
	found := false
	for _, p := range q {
		if p.ID == id {
			found = true
			continue
		}
		out = append(out, p)
	}
	if !found {
		return false, nil
	}
	return true, s.putQueueLocked(ctx, kind, out)
}

func (s *State) queueLocked(ctx context.Context, kind protocol.Kind) ([]protocol.PendingRequest, error) {
	var q []protocol.PendingRequest
	if err := s.loadLocked(ctx, keyPendingPrefix+string(kind), &q); err != nil {
		return nil, fmt.Errorf("load %s queue: %w", kind, err)
	}
	return q, nil
}

func (s *State) putQueueLocked(ctx context.Context, kind protocol.Kind, q []protocol.PendingRequest) error {
	key := keyPendingPrefix + string(kind)
	if len(q) == 0 {
		return s.kv.Delete(ctx, key)
	}
	return s.storeLocked(ctx, key, q)
}

// Grant returns the connection grant for origin, or nil.
func (s *State) Grant(ctx context.Context, origin string) (*protocol.ConnectionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.grantsLocked(ctx)
	if err != nil {
		return nil, err
	}
	g, ok := grants[origin]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *State) PutGrant(ctx context.Context, g protocol.ConnectionGrant) error {
	if strings.TrimSpace(g.Origin) == "" {
		return fmt.Errorf("%w: grant without origin", protocol.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.grantsLocked(ctx)
	if err != nil {
		return err
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = s.now().UTC()
	}
	grants[g.Origin] = g
	return s.storeLocked(ctx, keyGrants, grants)
}

// UpdateGrantAccounts points every grant at account after the active account changed.
// It returns how many grants changed.
func (s *State) UpdateGrantAccounts(ctx context.Context, account string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.grantsLocked(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for origin, g := range grants {
		if strings.EqualFold(g.Account, account) {
			continue
		}
		g.Account = account
		g.UpdatedAt = s.now().UTC()
		grants[origin] = g
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.storeLocked(ctx, keyGrants, grants)
}

// Grants returns a copy of all grants, sorted by origin.
func (s *State) Grants(ctx context.Context) ([]protocol.ConnectionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grants, err := s.grantsLocked(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ConnectionGrant, 0, len(grants))
	for _, g := range grants {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}

func (s *State) grantsLocked(ctx context.Context) (map[string]protocol.ConnectionGrant, error) {
	grants := map[string]protocol.ConnectionGrant{}
	if err := s.loadLocked(ctx, keyGrants, &grants); err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	return grants, nil
}

// RecordOutcome stores a decision and prunes outcomes older than the TTL.
func (s *State) RecordOutcome(ctx context.Context, o protocol.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes, err := s.outcomesLocked(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if o.DecidedAt.IsZero() {
		o.DecidedAt = now
	}
	for id, old := range outcomes {
		if now.Sub(old.DecidedAt) > s.outcomeTTL {
			delete(outcomes, id)
		}
	}
	outcomes[o.RequestID] = o
	return s.storeLocked(ctx, keyOutcomes, outcomes)
}

// Outcome returns the recorded decision for requestID, or nil if none is known or it expired.
func (s *State) Outcome(ctx context.Context, requestID string) (*protocol.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes, err := s.outcomesLocked(ctx)
	if err != nil {
		return nil, err
	}
	o, ok := outcomes[requestID]
	if !ok || s.now().UTC().Sub(o.DecidedAt) > s.outcomeTTL {
		return nil, nil
	}
	return &o, nil
}

func (s *State) outcomesLocked(ctx context.Context) (map[string]protocol.Outcome, error) {
	outcomes := map[string]protocol.Outcome{}
	if err := s.loadLocked(ctx, keyOutcomes, &outcomes); err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	return outcomes, nil
}

func (s *State) loadLocked(ctx context.Context, key string, dst any) error {
	b, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, dst)
}

func (s *State) storeLocked(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.kv.Set(ctx, key, b)
}
