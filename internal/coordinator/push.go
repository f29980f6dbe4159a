package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// TabFeed fans pushes out to whoever listens on a tab. It is the in-process Pusher.
type TabFeed struct {
	mu    sync.Mutex
	feeds map[int]*event.Feed
}

func NewTabFeed() *TabFeed {
	return &TabFeed{feeds: make(map[int]*event.Feed)}
}

func (t *TabFeed) feed(tabID int) *event.Feed {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.feeds[tabID]
	if !ok {
		f = new(event.Feed)
		t.feeds[tabID] = f
	}
	return f
}

// Subscribe delivers every push addressed to tabID. Subscribers must keep draining ch.
func (t *TabFeed) Subscribe(tabID int, ch chan<- protocol.Push) event.Subscription {
	return t.feed(tabID).Subscribe(ch)
}

func (t *TabFeed) Push(_ context.Context, tabID int, p protocol.Push) error {
	if n := t.feed(tabID).Send(p); n == 0 {
		return fmt.Errorf("%w: no listener on tab %d", protocol.ErrDeliveryFailure, tabID)
	}
	return nil
}

// LocalTransport connects a relay to a Coordinator in the same process.
type LocalTransport struct {
	Coordinator *Coordinator
	Tabs        *TabFeed
}

func (l *LocalTransport) Send(ctx context.Context, from protocol.Sender, msg protocol.Message) (protocol.Reply, error) {
	return l.Coordinator.Handle(ctx, from, msg), nil
}

func (l *LocalTransport) SubscribePushes(tabID int, ch chan<- protocol.Push) event.Subscription {
	return l.Tabs.Subscribe(tabID, ch)
}
