package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

var ErrConnectionClosed = errors.New("nativemsg: connection closed")

// Client is the extension side of a Host connection. It implements relay.Transport.
type Client struct {
	r io.Reader

	wmu sync.Mutex
	w   io.Writer

	mu    sync.Mutex
	calls map[string]chan protocol.Reply
	feeds map[int]*event.Feed
	err   error

	closed chan struct{}
}

// NewClient starts reading frames from r. The client stops when r fails or ends.
func NewClient(r io.Reader, w io.Writer) *Client {
	c := &Client{
		r:      r,
		w:      w,
		calls:  make(map[string]chan protocol.Reply),
		feeds:  make(map[int]*event.Feed),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) Send(ctx context.Context, from protocol.Sender, msg protocol.Message) (protocol.Reply, error) {
	env, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Reply{}, err
	}
	id := uuid.NewString()
	ch := make(chan protocol.Reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Reply{}, err
	}
	c.calls[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, id)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Kind: FrameRequest, ID: id, Sender: &from, Message: &env}); err != nil {
		return protocol.Reply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	case <-c.closed:
		return protocol.Reply{}, c.Err()
	}
}

// SubscribePushes delivers pushes for tabID. The subscription fails when the
// connection goes away.
func (c *Client) SubscribePushes(tabID int, ch chan<- protocol.Push) event.Subscription {
	c.mu.Lock()
	feed, ok := c.feeds[tabID]
	if !ok {
		feed = new(event.Feed)
		c.feeds[tabID] = feed
	}
	c.mu.Unlock()

	inner := feed.Subscribe(ch)
	if !ok {
		if err := c.write(Frame{Kind: FrameSubscribe, TabID: tabID}); err != nil {
			log.Warn("push subscription not sent", "tabId", tabID, "error", err)
		}
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer inner.Unsubscribe()
		select {
		case <-quit:
			return nil
		case <-c.closed:
			return c.Err()
		}
	})
}

// Err is why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) readLoop() {
	for {
		raw, err := Read(c.r)
		if err != nil {
			c.shutdown(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch f.Kind {
		case FrameReply:
			c.mu.Lock()
			ch := c.calls[f.ID]
			c.mu.Unlock()
			if ch != nil && f.Reply != nil {
				ch <- *f.Reply
			}
		case FramePush:
			c.mu.Lock()
			feed := c.feeds[f.TabID]
			c.mu.Unlock()
			if feed != nil && f.Push != nil {
				feed.Send(*f.Push)
			}
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if errors.Is(cause, io.EOF) {
		c.err = ErrConnectionClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	c.mu.Unlock()
	close(c.closed)
}

func (c *Client) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return Write(c.w, f)
}
