package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/approval"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/window"
)

func (c *Coordinator) connect(ctx context.Context, from protocol.Sender, m protocol.ConnectDapp) protocol.Reply {
	origin := strings.TrimSpace(m.Origin)
	if origin == "" {
		origin = from.Origin
	}
	if origin == "" {
		return protocol.Fail(fmt.Errorf("%w: connection request without origin", protocol.ErrInvalidRequest))
	}
	from.Origin = origin

	grant, err := c.state.Grant(ctx, origin)
	if err != nil {
		return protocol.Fail(err)
	}
	if grant != nil && !m.Reconnect {
		r := protocol.OK([]string{grant.Account})
		r.AlreadyConnected = true
		return r
	}
	if m.Silent {
		return protocol.OK([]string{})
	}

	existing, err := c.state.FindByOrigin(ctx, protocol.KindConnection, origin)
	if err != nil {
		return protocol.Fail(err)
	}
	if existing != nil {
		focused, err := c.ensureWindow(ctx)
		if err != nil {
			return protocol.Fail(err)
		}
		return protocol.PendingReply(existing.ID, focused)
	}

	return c.admit(ctx, from, protocol.KindConnection, protocol.ConnectionRequest{
		Origin:            origin,
		Name:              m.Name,
		Icon:              m.Icon,
		DetectedProviders: m.DetectedProviders,
	})
}

func (c *Coordinator) admitSignature(ctx context.Context, from protocol.Sender, req protocol.SignatureRequest) protocol.Reply {
	if req.Address != "" {
		addr, err := protocol.NormalizeAddress(req.Address)
		if err != nil {
			return protocol.Fail(err)
		}
		req.Address = addr
	}
	switch req.Method {
	case protocol.SignMethodPersonal:
		if req.Message == "" {
			return protocol.Fail(fmt.Errorf("%w: empty message", protocol.ErrInvalidRequest))
		}
	case protocol.SignMethodTypedData:
		if len(req.TypedData) == 0 {
			return protocol.Fail(fmt.Errorf("%w: empty typed data", protocol.ErrInvalidRequest))
		}
	}
	return c.admit(ctx, from, protocol.KindSignature, req)
}

func (c *Coordinator) admitTransaction(ctx context.Context, from protocol.Sender, req protocol.TransactionRequest) protocol.Reply {
	if req.Address != "" {
		addr, err := protocol.NormalizeAddress(req.Address)
		if err != nil {
			return protocol.Fail(err)
		}
		req.Address = addr
	}
	return c.admit(ctx, from, protocol.KindTransaction, req)
}

func (c *Coordinator) admitCalls(ctx context.Context, from protocol.Sender, req protocol.CallsRequest) protocol.Reply {
	if len(req.Calls) == 0 {
		return protocol.Fail(fmt.Errorf("%w: wallet_sendCalls without calls", protocol.ErrInvalidRequest))
	}
	if req.Address != "" {
		addr, err := protocol.NormalizeAddress(req.Address)
		if err != nil {
			return protocol.Fail(err)
		}
		req.Address = addr
	}
	return c.admit(ctx, from, protocol.KindBatchedCalls, req)
}

// admit queues a new request and makes sure the approval window is up.
func (c *Coordinator) admit(ctx context.Context, from protocol.Sender, kind protocol.Kind, payload any) protocol.Reply {
	req, err := protocol.NewPendingRequest(newRequestID(kind), kind, from, payload, c.now())
	if err != nil {
		return protocol.Fail(err)
	}
	if err := c.state.Enqueue(ctx, req); err != nil {
		return protocol.Fail(err)
	}
	log.Info("request queued", "kind", kind, "requestId", req.ID, "origin", req.Origin, "tabId", req.TabID)

	focused, err := c.ensureWindow(ctx)
	if err != nil {
		log.Error("approval window unavailable", "requestId", req.ID, "error", err)
		if _, rmErr := c.state.Remove(ctx, kind, req.ID); rmErr != nil {
			log.Warn("failed to drop request after window error", "requestId", req.ID, "error", rmErr)
		}
		return protocol.Fail(err)
	}
	return protocol.PendingReply(req.ID, focused)
}

// ensureWindow attaches to the held approval window or opens one for the oldest pending
// request. It reports whether an existing window was focused.
func (c *Coordinator) ensureWindow(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()
		cur := c.current
		if cur != nil {
			c.mu.Unlock()
			exists, err := c.windows.Exists(ctx, cur.id)
			switch {
			case err != nil:
				// fail open; the request stays queued for the next window
				log.Warn("window probe failed, treating as closed", "window_id", cur.id, "error", err)
				c.release(cur.id)
			case !exists:
				// gone without a close event reaching us
				if c.release(cur.id) {
					c.abandon(ctx, cur)
				}
			default:
				if err = c.windows.Focus(ctx, cur.id); err == nil {
					return true, nil
				}
				log.Warn("focus approval window failed", "window_id", cur.id, "error", err)
				c.release(cur.id)
			}
			continue
		}
		if c.creating {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(c.cfg.CreationRetryDelay):
			}
			continue
		}
		c.creating = true
		c.mu.Unlock()

		return false, c.openNext(ctx)
	}
}

// release forgets the held handle if it is still id.
func (c *Coordinator) release(id window.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.id != id {
		return false
	}
	c.current = nil
	return true
}

// openNext creates the window for the oldest pending request. The caller must have set
// c.creating; it is cleared here whatever happens.
func (c *Coordinator) openNext(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.creating = false
		c.mu.Unlock()
	}()

	next, err := c.state.Next(ctx)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	width, werr := c.windows.ScreenWidth(ctx)
	if werr != nil {
		log.Warn("screen geometry unavailable, using fallback width", "error", werr)
	}
	bounds := window.Position(width, werr, c.cfg.Layout)

	id, err := c.windows.Create(ctx, window.CreateOptions{
		URL:    approval.BuildURL(c.cfg.ApprovalURL, next.Kind, next.ID),
		Bounds: bounds,
	})
	if err != nil {
		return fmt.Errorf("create approval window: %w", err)
	}

	c.mu.Lock()
	c.current = &shownWindow{id: id, kind: next.Kind, requestID: next.ID}
	c.mu.Unlock()
	log.Info("approval window shown", "window_id", id, "kind", next.Kind, "requestId", next.ID)
	return nil
}

// showNext opens a window for whatever is still queued. Failures are logged; the next
// admission retries.
func (c *Coordinator) showNext(ctx context.Context) {
	next, err := c.state.Next(ctx)
	if err != nil || next == nil {
		return
	}
	if _, err := c.ensureWindow(ctx); err != nil {
		log.Warn("failed to show next pending request", "requestId", next.ID, "error", err)
	}
}

// Displayed returns the request the held approval window shows.
func (c *Coordinator) Displayed() (window.ID, protocol.Kind, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, "", "", false
	}
	return c.current.id, c.current.kind, c.current.requestID, true
}
