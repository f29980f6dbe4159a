// Package approval drives one approval window: it loads the request the window was opened
// for, takes exactly one decision and closes the window afterwards, whatever happened.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

var (
	ErrAlreadyDecided = errors.New("approval: decision already made")
	ErrNotLoaded      = errors.New("approval: request not loaded")
)

const (
	paramKind      = "kind"
	paramRequestID = "requestId"
)

type State string

const (
	StateLoading    State = "loading"
	StateDisplaying State = "displaying"
	StateApproving  State = "approving"
	StateRejecting  State = "rejecting"
	StateClosed     State = "closed"
)

// Decider is the Coordinator surface an approval window uses.
type Decider interface {
	GetPending(ctx context.Context, kind protocol.Kind, requestID string) (*protocol.PendingRequest, error)
	Approve(ctx context.Context, kind protocol.Kind, requestID string, opts protocol.ApproveOptions) (json.RawMessage, error)
	Reject(ctx context.Context, kind protocol.Kind, requestID string) error
}

type Closer interface {
	Close(ctx context.Context, id window.ID) error
}

// BuildURL is the address an approval window is opened at.
func BuildURL(base string, kind protocol.Kind, requestID string) string {
	q := url.Values{}
	q.Set(paramKind, string(kind))
	q.Set(paramRequestID, requestID)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// ParseURL reads the kind and request id an approval window was opened for.
func ParseURL(raw string) (protocol.Kind, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: approval url: %v", protocol.ErrInvalidRequest, err)
	}
	q := u.Query()
	kind, err := protocol.ParseKind(q.Get(paramKind))
	if err != nil {
		return "", "", err
	}
	id := q.Get(paramRequestID)
	if id == "" {
		return "", "", fmt.Errorf("%w: approval url without %s", protocol.ErrInvalidRequest, paramRequestID)
	}
	return kind, id, nil
}

// Session is one approval window instance:
// Loading -> Displaying -> (Approving | Rejecting) -> Closed.
type Session struct {
	decider   Decider
	closer    Closer
	windowID  window.ID
	kind      protocol.Kind
	requestID string

	mu      sync.Mutex
	state   State
	request *protocol.PendingRequest
}

// NewSession binds a window to the request named in its URL. A URL that cannot be
// parsed closes the window right away.
func NewSession(ctx context.Context, d Decider, c Closer, id window.ID, rawURL string) (*Session, error) {
	kind, requestID, err := ParseURL(rawURL)
	if err != nil {
		if cerr := c.Close(ctx, id); cerr != nil {
			log.Warn("close approval window failed", "window_id", id, "error", cerr)
		}
		return nil, err
	}
	return &Session{
		decider:   d,
		closer:    c,
		windowID:  id,
		kind:      kind,
		requestID: requestID,
		state:     StateLoading,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Kind() protocol.Kind { return s.kind }
func (s *Session) RequestID() string   { return s.requestID }

// Load reads the request once. If it is gone the window closes.
func (s *Session) Load(ctx context.Context) (*protocol.PendingRequest, error) {
	s.mu.Lock()
	if s.state != StateLoading {
		req := s.request
		s.mu.Unlock()
		if req == nil {
			return nil, ErrNotLoaded
		}
		return req, nil
	}
	s.mu.Unlock()

	req, err := s.decider.GetPending(ctx, s.kind, s.requestID)
	if err != nil {
		s.close(ctx)
		return nil, err
	}

	s.mu.Lock()
	s.request = req
	s.state = StateDisplaying
	s.mu.Unlock()
	return req, nil
}

func (s *Session) Approve(ctx context.Context, opts protocol.ApproveOptions) (json.RawMessage, error) {
	if err := s.begin(StateApproving); err != nil {
		return nil, err
	}
	defer s.close(ctx)
	return s.decider.Approve(ctx, s.kind, s.requestID, opts)
}

func (s *Session) Reject(ctx context.Context) error {
	if err := s.begin(StateRejecting); err != nil {
		return err
	}
	defer s.close(ctx)
	return s.decider.Reject(ctx, s.kind, s.requestID)
}

func (s *Session) begin(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateDisplaying:
		s.state = next
		return nil
	case StateLoading:
		return ErrNotLoaded
	default:
		return ErrAlreadyDecided
	}
}

func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	// the coordinator usually closes it first
	if err := s.closer.Close(ctx, s.windowID); err != nil && !errors.Is(err, window.ErrNoWindow) {
		log.Warn("close approval window failed", "window_id", s.windowID, "error", err)
	}
}
