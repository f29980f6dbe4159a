package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

type Handler interface {
	Handle(ctx context.Context, from protocol.Sender, msg protocol.Message) protocol.Reply
}

// PushSource hands out decision pushes per tab. coordinator.TabFeed implements it.
type PushSource interface {
	Subscribe(tabID int, ch chan<- protocol.Push) event.Subscription
}

// Host serves one extension connection: requests go to the Handler, pushes for
// subscribed tabs flow back on the same stream.
type Host struct {
	handler Handler
	pushes  PushSource
	r       io.Reader

	wmu sync.Mutex
	w   io.Writer
}

func NewHost(h Handler, pushes PushSource, r io.Reader, w io.Writer) *Host {
	return &Host{handler: h, pushes: pushes, r: r, w: w}
}

// Serve runs until the extension closes the stream or ctx ends.
func (h *Host) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	frames := make(chan json.RawMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			raw, err := Read(h.r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	subs := make(map[int]event.Subscription)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				log.Info("native messaging stream closed")
				return nil
			}
			return fmt.Errorf("native messaging read: %w", err)
		case raw := <-frames:
			var f Frame
			if err := json.Unmarshal(raw, &f); err != nil {
				log.Warn("dropping malformed frame", "error", err)
				continue
			}
			switch f.Kind {
			case FrameRequest:
				wg.Add(1)
				go func() {
					defer wg.Done()
					h.serveRequest(ctx, f)
				}()
			case FrameSubscribe:
				if _, ok := subs[f.TabID]; ok {
					continue
				}
				subs[f.TabID] = h.forward(ctx, &wg, f.TabID)
			default:
				log.Warn("dropping frame of unexpected kind", "kind", f.Kind)
			}
		}
	}
}

func (h *Host) serveRequest(ctx context.Context, f Frame) {
	var reply protocol.Reply
	from := protocol.Sender{}
	if f.Sender != nil {
		from = *f.Sender
	}
	if f.Message == nil {
		reply = protocol.Fail(fmt.Errorf("%w: request frame without message", protocol.ErrInvalidRequest))
	} else if msg, err := protocol.Decode(*f.Message); err != nil {
		reply = protocol.Fail(err)
	} else {
		reply = h.handler.Handle(ctx, from, msg)
	}
	if err := h.write(Frame{Kind: FrameReply, ID: f.ID, Reply: &reply}); err != nil {
		log.Error("failed to write reply", "id", f.ID, "error", err)
	}
}

func (h *Host) forward(ctx context.Context, wg *sync.WaitGroup, tabID int) event.Subscription {
	ch := make(chan protocol.Push, 16)
	sub := h.pushes.Subscribe(tabID, ch)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Err():
				return
			case p := <-ch:
				if err := h.write(Frame{Kind: FramePush, TabID: tabID, Push: &p}); err != nil {
					log.Warn("push not forwarded", "tabId", tabID, "requestId", p.RequestID, "error", err)
				}
			}
		}
	}()
	return sub
}

func (h *Host) write(f Frame) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	return Write(h.w, f)
}
