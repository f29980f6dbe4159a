package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// Client sends extension messages to a running agent. It implements relay.Transport.
// Pushes are not delivered over HTTP; callers rely on status polling.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(baseURL, pairingToken string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      pairingToken,
	}
}

func (c *Client) Send(ctx context.Context, from protocol.Sender, msg protocol.Message) (protocol.Reply, error) {
	env, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}
	body, err := json.Marshal(messageReq{Sender: from, Message: env})
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extension/message", bytes.NewReader(body))
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(extensionPairHeader, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Reply{}, fmt.Errorf("read body: %w", err)
	}

	var reply protocol.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		// guards answer with plain text
		return protocol.Reply{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return reply, nil
}

// SubscribePushes returns a subscription that never yields; it ends on Unsubscribe.
func (c *Client) SubscribePushes(_ int, _ chan<- protocol.Push) event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		<-quit
		return nil
	})
}
