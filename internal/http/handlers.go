package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/approval"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/pairing"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

// -------- DTOs for the extension API --------

type pairReq struct {
	PairID string `json:"pairId"`
	Code   string `json:"code"`
}

type pairRes struct {
	PairingToken string `json:"pairingToken"`
}

type messageReq struct {
	Sender  protocol.Sender   `json:"sender"`
	Message protocol.Envelope `json:"message"`
}

type decisionReq struct {
	WindowID window.ID               `json:"windowId,omitempty"`
	Options  protocol.ApproveOptions `json:"options,omitempty"`
}

type windowReq struct {
	WindowID window.ID `json:"windowId"`
}

type screenReq struct {
	Width int `json:"width"`
}

type pendingRes struct {
	WindowID window.ID                `json:"windowId"`
	Request  *protocol.PendingRequest `json:"request"`
}

// -------- Handlers --------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairReq
	if err := readJSONBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.pairs.Redeem(req.PairID, req.Code); err != nil {
		log.Warn("extension pairing refused", "pair_id", req.PairID, "error", err)
		switch {
		case errors.Is(err, pairing.ErrWrongCode), errors.Is(err, pairing.ErrExpired), errors.Is(err, pairing.ErrUnknownOffer):
			http.Error(w, "invalid pairing code", http.StatusUnauthorized)
		default:
			http.Error(w, "pairing failed", http.StatusInternalServerError)
		}
		return
	}

	token, err := newSessionToken()
	if err != nil {
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	if err := writePairingTokenFile(s.pairingTokenPath, token); err != nil {
		log.Error("failed to persist pairing token", "error", err)
		http.Error(w, "failed to persist token", http.StatusInternalServerError)
		return
	}

	log.Info("extension paired", "pair_id", req.PairID)
	writeJSON(w, http.StatusOK, pairRes{PairingToken: token})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageReq
	if err := readJSONBody(r, &req); err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	msg, err := protocol.Decode(req.Message)
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	writeReply(w, s.coord.Handle(r.Context(), req.Sender, msg))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	var id window.ID
	if raw := r.URL.Query().Get("windowId"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeReply(w, protocol.Fail(fmt.Errorf("%w: windowId: %v", protocol.ErrInvalidRequest, err)))
			return
		}
		id = window.ID(n)
	}

	wid, err := s.windowID(id)
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	sess, err := s.session(r.Context(), wid)
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	req, err := sess.Load(r.Context())
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	writeReply(w, protocol.OK(pendingRes{WindowID: wid, Request: req}))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	sess, opts, ok := s.decisionSession(w, r)
	if !ok {
		return
	}
	result, err := sess.Approve(r.Context(), opts)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	writeResult(w, result, nil)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	sess, _, ok := s.decisionSession(w, r)
	if !ok {
		return
	}
	if err := sess.Reject(r.Context()); err != nil {
		writeDecisionError(w, err)
		return
	}
	writeReply(w, protocol.OK(nil))
}

func (s *Server) handleCurrentWindow(w http.ResponseWriter, _ *http.Request) {
	cur, ok := s.windows.Current()
	if !ok {
		writeReply(w, protocol.Fail(fmt.Errorf("%w: %w", protocol.ErrNotFound, window.ErrNoWindow)))
		return
	}
	writeReply(w, protocol.OK(cur))
}

// handleWindowClosed is how the shell reports a window the user closed.
func (s *Server) handleWindowClosed(w http.ResponseWriter, r *http.Request) {
	var req windowReq
	if err := readJSONBody(r, &req); err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	if err := s.windows.Close(r.Context(), req.WindowID); err != nil {
		writeReply(w, protocol.Fail(fmt.Errorf("%w: %w", protocol.ErrNotFound, err)))
		return
	}
	writeReply(w, protocol.OK(nil))
}

func (s *Server) handleScreen(w http.ResponseWriter, r *http.Request) {
	var req screenReq
	if err := readJSONBody(r, &req); err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	s.windows.SetScreenWidth(req.Width)
	writeReply(w, protocol.OK(nil))
}

func (s *Server) handleGrants(w http.ResponseWriter, r *http.Request) {
	if s.grants == nil {
		writeReply(w, protocol.OK([]protocol.ConnectionGrant{}))
		return
	}
	grants, err := s.grants.Grants(r.Context())
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return
	}
	if grants == nil {
		grants = []protocol.ConnectionGrant{}
	}
	writeReply(w, protocol.OK(grants))
}

// decisionSession decodes a decision body and resolves its approval session.
func (s *Server) decisionSession(w http.ResponseWriter, r *http.Request) (*approval.Session, protocol.ApproveOptions, bool) {
	var req decisionReq
	if err := readJSONBody(r, &req); err != nil {
		writeReply(w, protocol.Fail(err))
		return nil, protocol.ApproveOptions{}, false
	}
	wid, err := s.windowID(req.WindowID)
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return nil, protocol.ApproveOptions{}, false
	}
	sess, err := s.session(r.Context(), wid)
	if err != nil {
		writeReply(w, protocol.Fail(err))
		return nil, protocol.ApproveOptions{}, false
	}
	return sess, req.Options, true
}

func writeDecisionError(w http.ResponseWriter, err error) {
	if errors.Is(err, approval.ErrAlreadyDecided) || errors.Is(err, approval.ErrNotLoaded) {
		writeJSON(w, http.StatusConflict, protocol.Reply{Success: false, Error: err.Error(), Code: protocol.CodeInvalidRequest})
		return
	}
	writeReply(w, protocol.Fail(err))
}
