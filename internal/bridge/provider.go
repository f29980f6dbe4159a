// Package bridge is the provider surface dApp code calls. Each call gets its own
// correlation id on the page bus and settles when the response with that id arrives.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/oneshot"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/pagebus"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

var ErrClosed = errors.New("bridge: provider closed")

type response struct {
	result json.RawMessage
	err    error
}

type Provider struct {
	bus *pagebus.Bus

	mu      sync.Mutex
	pending map[string]*oneshot.Value[response]

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewProvider starts listening on bus. Close stops it.
func NewProvider(bus *pagebus.Bus) *Provider {
	p := &Provider{
		bus:     bus,
		pending: make(map[string]*oneshot.Value[response]),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	ch := make(chan pagebus.Message, 16)
	sub := bus.Subscribe(ch)
	go p.listen(ch, sub)
	return p
}

// Request sends method to the relay and waits for its answer. Errors reported by the
// wallet are *protocol.ProviderError values that also match the protocol sentinels.
func (p *Provider) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: params: %v", protocol.ErrInvalidRequest, err)
		}
		raw = b
	}

	id := uuid.NewString()
	slot := oneshot.New[response]()
	p.mu.Lock()
	p.pending[id] = slot
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	select {
	case <-p.quit:
		return nil, ErrClosed
	default:
	}
	p.bus.Post(pagebus.Message{Type: pagebus.TypeRequest, ID: id, Method: method, Params: raw})

	select {
	case <-slot.Done():
		r := slot.Get()
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrClosed
	}
}

func (p *Provider) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
}

func (p *Provider) listen(ch chan pagebus.Message, sub event.Subscription) {
	defer close(p.done)
	defer sub.Unsubscribe()
	for {
		select {
		case <-p.quit:
			return
		case m := <-ch:
			if !m.IsResponse() {
				continue
			}
			p.mu.Lock()
			slot := p.pending[m.ID]
			p.mu.Unlock()
			if slot == nil {
				continue
			}
			if m.Error != nil {
				slot.Resolve(response{err: m.Error})
				continue
			}
			slot.Resolve(response{result: m.Result})
		}
	}
}
