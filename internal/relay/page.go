package relay

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/pagebus"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// ServePage answers provider requests posted on bus. It is listening when it returns;
// serving stops on Unsubscribe or when ctx ends. Each request is dispatched on its own
// goroutine and answered with a response carrying the same id. Responses and unknown
// message types are ignored.
func (r *Relay) ServePage(ctx context.Context, bus *pagebus.Bus) event.Subscription {
	ch := make(chan pagebus.Message, 16)
	sub := bus.Subscribe(ch)

	return event.NewSubscription(func(quit <-chan struct{}) error {
		ctx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer wg.Wait()
		defer sub.Unsubscribe()
		defer cancel()

		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			case err := <-sub.Err():
				return err
			case m := <-ch:
				if !m.IsRequest() {
					continue
				}
				wg.Add(1)
				go func(m pagebus.Message) {
					defer wg.Done()
					bus.Post(r.answer(ctx, m))
				}(m)
			}
		}
	})
}

func (r *Relay) answer(ctx context.Context, m pagebus.Message) pagebus.Message {
	resp := pagebus.Message{Type: pagebus.TypeResponse, ID: m.ID}
	res, err := r.Dispatch(ctx, m.ID, m.Method, m.Params)
	if err != nil {
		resp.Error = protocol.NewProviderError(err)
		return resp
	}
	resp.Result = res
	return resp
}
