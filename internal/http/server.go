package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/approval"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/pairing"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

const extensionPairHeader = "X-QA-Extension"

// Coordinator is what the API exposes. coordinator.Coordinator implements it.
type Coordinator interface {
	Handle(ctx context.Context, from protocol.Sender, msg protocol.Message) protocol.Reply
	approval.Decider
}

type Grants interface {
	Grants(ctx context.Context) ([]protocol.ConnectionGrant, error)
}

// Windows is the window registry the extension shell mirrors.
type Windows interface {
	approval.Closer
	Current() (window.Window, bool)
	Get(id window.ID) (window.Window, bool)
	SetScreenWidth(w int)
}

type Options struct {
	Coordinator Coordinator
	Grants      Grants
	Windows     Windows
	// PairingTokenPath is where the paired extension token is kept.
	PairingTokenPath string
	// AllowedOrigins limits browser callers; empty allows any well-formed origin.
	AllowedOrigins []string
	PairTTL        time.Duration
}

type Server struct {
	coord   Coordinator
	grants  Grants
	windows Windows
	mux     *http.ServeMux

	allowedOrigins   map[string]struct{}
	pairingTokenPath string
	pairs            *pairing.Book

	mu       sync.Mutex
	sessions map[window.ID]*approval.Session
}

func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Coordinator == nil:
		return nil, errors.New("http: coordinator is required")
	case opts.Windows == nil:
		return nil, errors.New("http: window registry is required")
	case opts.PairingTokenPath == "":
		return nil, errors.New("http: pairing token path is required")
	}

	s := &Server{
		coord:            opts.Coordinator,
		grants:           opts.Grants,
		windows:          opts.Windows,
		mux:              http.NewServeMux(),
		pairingTokenPath: opts.PairingTokenPath,
		pairs:            pairing.NewBook(opts.PairTTL),
		sessions:         make(map[window.ID]*approval.Session),
	}
	if len(opts.AllowedOrigins) > 0 {
		s.allowedOrigins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			if o = normalizeOrigin(o); o != "" {
				s.allowedOrigins[o] = struct{}{}
			}
		}
	}

	s.mux.HandleFunc("/health", s.withLoopbackOnly(requireMethod(http.MethodGet, s.handleHealth)))
	s.mux.HandleFunc("/extension/pair", s.withExtensionLocalGuards(requireMethod(http.MethodPost, s.handlePair)))

	s.mux.HandleFunc("/extension/message", s.withExtensionPairedGuards(requireMethod(http.MethodPost, s.handleMessage)))

	s.mux.HandleFunc("/approval/pending", s.withExtensionPairedGuards(requireMethod(http.MethodGet, s.handlePending)))
	s.mux.HandleFunc("/approval/approve", s.withExtensionPairedGuards(requireMethod(http.MethodPost, s.handleApprove)))
	s.mux.HandleFunc("/approval/reject", s.withExtensionPairedGuards(requireMethod(http.MethodPost, s.handleReject)))

	s.mux.HandleFunc("/window/current", s.withExtensionPairedGuards(requireMethod(http.MethodGet, s.handleCurrentWindow)))
	s.mux.HandleFunc("/window/closed", s.withExtensionPairedGuards(requireMethod(http.MethodPost, s.handleWindowClosed)))
	s.mux.HandleFunc("/window/screen", s.withExtensionPairedGuards(requireMethod(http.MethodPost, s.handleScreen)))

	s.mux.HandleFunc("/grants", s.withExtensionPairedGuards(requireMethod(http.MethodGet, s.handleGrants)))
	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OfferPairing creates a one-time code the user types into the extension.
func (s *Server) OfferPairing() (pairing.Offer, error) {
	o, err := s.pairs.Offer()
	if err != nil {
		return pairing.Offer{}, err
	}
	log.Info("pair the extension with this agent", "pair_id", o.ID, "code", o.Code, "expires", o.ExpiresAt.Format(time.RFC3339))
	return o, nil
}

// session returns the approval session bound to window id, creating it on first use.
func (s *Server) session(ctx context.Context, id window.ID) (*approval.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for wid := range s.sessions {
		if _, open := s.windows.Get(wid); !open && wid != id {
			delete(s.sessions, wid)
		}
	}
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	w, ok := s.windows.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %w", protocol.ErrNotFound, window.ErrNoWindow)
	}
	sess, err := approval.NewSession(ctx, s.coord, s.windows, id, w.URL)
	if err != nil {
		return nil, err
	}
	s.sessions[id] = sess
	return sess, nil
}

// windowID resolves the window a request refers to; zero means the current one.
func (s *Server) windowID(id window.ID) (window.ID, error) {
	if id != 0 {
		return id, nil
	}
	w, ok := s.windows.Current()
	if !ok {
		return 0, fmt.Errorf("%w: %w", protocol.ErrNotFound, window.ErrNoWindow)
	}
	return w.ID, nil
}

func writeReply(w http.ResponseWriter, r protocol.Reply) {
	writeJSON(w, statusFor(r), r)
}

func writeResult(w http.ResponseWriter, result json.RawMessage, err error) {
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	writeReply(w, protocol.OK(result))
}
