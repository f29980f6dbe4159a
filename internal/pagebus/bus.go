// Package pagebus is the message channel shared by a page and its relay. Every posted
// message reaches every listener, the poster included, the way window.postMessage does.
package pagebus

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/event"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

const (
	TypeRequest  = "QA_PROVIDER_REQUEST"
	TypeResponse = "QA_PROVIDER_RESPONSE"
)

type Message struct {
	Type   string                  `json:"type"`
	ID     string                  `json:"id"`
	Method string                  `json:"method,omitempty"`
	Params json.RawMessage         `json:"params,omitempty"`
	Result json.RawMessage         `json:"result,omitempty"`
	Error  *protocol.ProviderError `json:"error,omitempty"`
}

func (m Message) IsRequest() bool  { return m.Type == TypeRequest }
func (m Message) IsResponse() bool { return m.Type == TypeResponse }

// Bus must not be posted to from the goroutine that drains one of its subscriptions.
type Bus struct {
	feed event.Feed
}

// Post delivers m to all listeners and returns how many received it.
func (b *Bus) Post(m Message) int {
	return b.feed.Send(m)
}

func (b *Bus) Subscribe(ch chan<- Message) event.Subscription {
	return b.feed.Subscribe(ch)
}
