package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/chains"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/signer"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

const closedWithoutDecision = "approval window closed without a decision"

// Approve performs the side effect of the pending request kind/requestID, clears it,
// records the outcome and pushes the result to the originating tab.
//
// An unknown or superseded requestID yields protocol.ErrNotFound and changes nothing.
// When signing or broadcasting fails the request stays queued so the user can retry.
func (c *Coordinator) Approve(ctx context.Context, kind protocol.Kind, requestID string, opts protocol.ApproveOptions) (json.RawMessage, error) {
	req, result, err := c.applyApproval(ctx, kind, requestID, opts)
	if err != nil {
		return nil, err
	}

	log.Info("request approved", "kind", kind, "requestId", requestID, "origin", req.Origin)
	c.push(ctx, req, protocol.PushTypeFor(kind, true), result)
	c.afterDecision(ctx, kind, requestID)
	return result, nil
}

func (c *Coordinator) applyApproval(ctx context.Context, kind protocol.Kind, requestID string, opts protocol.ApproveOptions) (*protocol.PendingRequest, json.RawMessage, error) {
	c.decideMu.Lock()
	defer c.decideMu.Unlock()

	req, err := c.state.Get(ctx, kind, requestID)
	if err != nil {
		return nil, nil, err
	}
	result, err := c.perform(ctx, req, opts)
	if err != nil {
		log.Warn("approval failed, request kept", "kind", kind, "requestId", requestID, "code", protocol.CodeOf(err), "error", err)
		return nil, nil, err
	}
	if _, err := c.state.Remove(ctx, kind, requestID); err != nil {
		return nil, nil, err
	}
	c.recordOutcome(ctx, protocol.Outcome{RequestID: requestID, Kind: kind, Approved: true, Result: result})
	return req, result, nil
}

// Reject clears the pending request and tells the tab. Only an unknown requestID or a
// storage error fails; push problems never do.
func (c *Coordinator) Reject(ctx context.Context, kind protocol.Kind, requestID string) error {
	c.decideMu.Lock()
	req, err := c.state.Get(ctx, kind, requestID)
	if err != nil {
		c.decideMu.Unlock()
		return err
	}
	if _, err := c.state.Remove(ctx, kind, requestID); err != nil {
		c.decideMu.Unlock()
		return err
	}
	c.recordOutcome(ctx, protocol.Outcome{RequestID: requestID, Kind: kind, Error: protocol.ErrRejected.Error()})
	c.decideMu.Unlock()

	log.Info("request rejected", "kind", kind, "requestId", requestID, "origin", req.Origin)
	c.push(ctx, req, protocol.PushTypeFor(kind, false), nil)
	c.afterDecision(ctx, kind, requestID)
	return nil
}

// WindowClosed handles a window going away. When it is the held approval window, the
// request it displayed is abandoned and any remaining requests get a fresh window.
func (c *Coordinator) WindowClosed(ctx context.Context, id window.ID) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || cur.id != id {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	c.abandon(ctx, cur)
	c.showNext(ctx)
}

// abandon settles the request a vanished window displayed as rejected.
func (c *Coordinator) abandon(ctx context.Context, cur *shownWindow) {
	c.decideMu.Lock()
	req, err := c.state.Get(ctx, cur.kind, cur.requestID)
	if err == nil {
		_, err = c.state.Remove(ctx, cur.kind, cur.requestID)
	}
	if err == nil {
		c.recordOutcome(ctx, protocol.Outcome{RequestID: req.ID, Kind: req.Kind, Error: closedWithoutDecision})
	}
	c.decideMu.Unlock()

	switch {
	case errors.Is(err, protocol.ErrNotFound):
		// decided just before the close
	case err != nil:
		log.Error("close recovery failed", "window_id", cur.id, "requestId", cur.requestID, "error", err)
	case req.Kind == protocol.KindConnection:
		log.Info("connection request abandoned", "requestId", req.ID, "origin", req.Origin)
	default:
		log.Info("request abandoned, rejecting", "kind", req.Kind, "requestId", req.ID)
		c.push(ctx, req, protocol.PushTypeFor(req.Kind, false), nil)
	}
}

// Run consumes window close events and account changes until ctx ends. It ends the
// subscriptions taken in New when it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.closedSub.Unsubscribe()
	defer c.selectedSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-c.closed:
			c.WindowClosed(ctx, id)
		case addr := <-c.selected:
			n, err := c.state.UpdateGrantAccounts(ctx, addr.Hex())
			if err != nil {
				log.Error("failed to move grants to new account", "account", addr.Hex(), "error", err)
				continue
			}
			if n > 0 {
				log.Info("grants follow selected account", "account", addr.Hex(), "grants", n)
			}
		case err := <-c.closedSub.Err():
			return fmt.Errorf("window events: %w", err)
		case err := <-c.selectedSub.Err():
			return fmt.Errorf("account events: %w", err)
		}
	}
}

// afterDecision closes the window that displayed requestID and shows the next request.
func (c *Coordinator) afterDecision(ctx context.Context, kind protocol.Kind, requestID string) {
	c.mu.Lock()
	cur := c.current
	if cur == nil || cur.kind != kind || cur.requestID != requestID {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	if err := c.windows.Close(ctx, cur.id); err != nil && !errors.Is(err, window.ErrNoWindow) {
		log.Warn("close approval window failed", "window_id", cur.id, "error", err)
	}
	c.showNext(ctx)
}

func (c *Coordinator) push(ctx context.Context, req *protocol.PendingRequest, t protocol.PushType, result json.RawMessage) {
	if req.TabID == 0 {
		return
	}
	err := c.pusher.Push(ctx, req.TabID, protocol.Push{Type: t, RequestID: req.ID, Origin: req.Origin, Result: result})
	if err != nil {
		log.Warn("push not delivered", "tabId", req.TabID, "type", t, "requestId", req.ID, "error", err)
	}
}

func (c *Coordinator) recordOutcome(ctx context.Context, o protocol.Outcome) {
	if err := c.state.RecordOutcome(ctx, o); err != nil {
		log.Warn("failed to record outcome", "requestId", o.RequestID, "error", err)
	}
}

func (c *Coordinator) perform(ctx context.Context, req *protocol.PendingRequest, opts protocol.ApproveOptions) (json.RawMessage, error) {
	var (
		result any
		err    error
	)
	switch req.Kind {
	case protocol.KindConnection:
		result, err = c.approveConnection(ctx, req, opts)
	case protocol.KindSignature:
		result, err = c.approveSignature(ctx, req)
	case protocol.KindTransaction:
		result, err = c.approveTransaction(ctx, req, opts)
	case protocol.KindBatchedCalls:
		result, err = c.approveCalls(ctx, req)
	default:
		err = fmt.Errorf("%w: kind %q", protocol.ErrInvalidRequest, req.Kind)
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal %s result: %w", req.Kind, err)
	}
	return raw, nil
}

func (c *Coordinator) approveConnection(ctx context.Context, req *protocol.PendingRequest, opts protocol.ApproveOptions) ([]string, error) {
	var p protocol.ConnectionRequest
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	acct, err := c.account(opts.Account)
	if err != nil {
		return nil, err
	}

	origin := p.Origin
	if origin == "" {
		origin = req.Origin
	}
	account := acct.Address.Hex()
	if err := c.state.PutGrant(ctx, protocol.ConnectionGrant{
		Origin:  origin,
		Account: account,
		Name:    p.Name,
		Icon:    p.Icon,
	}); err != nil {
		return nil, err
	}
	return []string{account}, nil
}

func (c *Coordinator) approveSignature(ctx context.Context, req *protocol.PendingRequest) (any, error) {
	var p protocol.SignatureRequest
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	sel, err := c.selectSigner(ctx, p.Address)
	if err != nil {
		return nil, err
	}

	var digest []byte
	switch p.Method {
	case protocol.SignMethodPersonal:
		digest = signer.PersonalMessageHash(signer.ParsePersonalMessage(p.Message))
	case protocol.SignMethodTypedData:
		digest, err = signer.TypedDataHash(p.TypedData)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: signature method %q", protocol.ErrInvalidRequest, p.Method)
	}
	return sel.SignDigest(ctx, digest)
}

func (c *Coordinator) approveTransaction(ctx context.Context, req *protocol.PendingRequest, opts protocol.ApproveOptions) (any, error) {
	var p protocol.TransactionRequest
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	fields := p.Transaction
	if opts.Transaction != nil {
		fields = *opts.Transaction
	}
	addr := p.Address
	if addr == "" {
		addr = fields.From
	}

	sel, err := c.selectSigner(ctx, addr)
	if err != nil {
		return nil, err
	}
	if c.chain == nil {
		return nil, fmt.Errorf("%w: no chain configured", protocol.ErrBroadcastFailure)
	}
	chainID, err := chains.ParseChainID(fields.ChainID, c.cfg.DefaultChainID)
	if err != nil {
		return nil, err
	}

	from := selectedAddress(sel)
	fields.From = from.Hex()
	tx, err := c.chain.Fill(ctx, chainID, from, fields)
	if err != nil {
		return nil, err
	}
	signed, bundle, err := sel.SignTx(ctx, tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, err
	}
	if bundle != nil {
		return bundle, nil
	}
	if !p.Broadcast {
		raw, err := signed.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: encode signed tx: %v", protocol.ErrSigningFailure, err)
		}
		return hexutil.Encode(raw), nil
	}
	hash, err := c.chain.Broadcast(ctx, chainID, signed)
	if err != nil {
		return nil, err
	}
	return hash.Hex(), nil
}

// approveCalls sends each call as its own transaction with consecutive nonces.
func (c *Coordinator) approveCalls(ctx context.Context, req *protocol.PendingRequest) (*protocol.CallsResult, error) {
	var p protocol.CallsRequest
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	sel, err := c.selectSigner(ctx, p.Address)
	if err != nil {
		return nil, err
	}
	if c.chain == nil {
		return nil, fmt.Errorf("%w: no chain configured", protocol.ErrBroadcastFailure)
	}
	chainID, err := chains.ParseChainID(p.ChainID, c.cfg.DefaultChainID)
	if err != nil {
		return nil, err
	}

	from := selectedAddress(sel)
	out := &protocol.CallsResult{ID: req.ID}
	// once a call is on chain the batch settles with what was sent; a retry would resend it
	stop := func(i int, err error) (*protocol.CallsResult, error) {
		if len(out.TransactionHashes) == 0 {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		log.Warn("batch stopped after partial broadcast", "requestId", req.ID, "sent", len(out.TransactionHashes), "failed_call", i, "error", err)
		return out, nil
	}
	var nonce uint64
	for i, call := range p.Calls {
		fields := protocol.TxFields{From: from.Hex(), To: call.To, Value: call.Value, Data: call.Data}
		if i > 0 {
			fields.Nonce = hexutil.EncodeUint64(nonce + uint64(i))
		}
		tx, err := c.chain.Fill(ctx, chainID, from, fields)
		if err != nil {
			return stop(i, err)
		}
		if i == 0 {
			nonce = tx.Nonce()
		}
		signed, bundle, err := sel.SignTx(ctx, tx, new(big.Int).SetUint64(chainID))
		if err != nil {
			return stop(i, err)
		}
		if bundle != nil {
			out.Bundles = append(out.Bundles, *bundle)
			continue
		}
		hash, err := c.chain.Broadcast(ctx, chainID, signed)
		if err != nil {
			return stop(i, err)
		}
		out.TransactionHashes = append(out.TransactionHashes, hash.Hex())
	}
	return out, nil
}

// selectSigner resolves address (or the selected account when empty) to a signer.
// A locked store fails with protocol.ErrWalletLocked before anything else.
func (c *Coordinator) selectSigner(ctx context.Context, address string) (*signer.Selection, error) {
	acct, err := c.account(address)
	if err != nil {
		return nil, err
	}
	return c.signers.Select(ctx, acct.Address)
}

func (c *Coordinator) account(address string) (keystore.Account, error) {
	if !c.accounts.IsUnlocked() {
		return keystore.Account{}, keystore.ErrLocked
	}
	if address == "" {
		return c.accounts.GetSelectedAccount()
	}
	addr, err := keystore.ParseAddress(address)
	if err != nil {
		return keystore.Account{}, err
	}
	acct, err := c.accounts.Account(addr)
	if err != nil {
		return keystore.Account{}, fmt.Errorf("%w: %s is not an account of this wallet", protocol.ErrWalletLocked, addr.Hex())
	}
	return acct, nil
}

func selectedAddress(sel *signer.Selection) common.Address {
	if sel.Multisig != nil {
		return sel.Multisig.Address()
	}
	return sel.Single.Address()
}
