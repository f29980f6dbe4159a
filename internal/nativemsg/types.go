package nativemsg

import (
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

type FrameKind string

const (
	// FrameRequest carries a Message to the Coordinator; answered by a FrameReply with the same ID.
	FrameRequest FrameKind = "request"
	FrameReply   FrameKind = "reply"
	// FrameSubscribe asks the host to forward pushes for TabID.
	FrameSubscribe FrameKind = "subscribe"
	FramePush      FrameKind = "push"
)

type Frame struct {
	Kind    FrameKind          `json:"kind"`
	ID      string             `json:"id,omitempty"`
	TabID   int                `json:"tabId,omitempty"`
	Sender  *protocol.Sender   `json:"sender,omitempty"`
	Message *protocol.Envelope `json:"message,omitempty"`
	Reply   *protocol.Reply    `json:"reply,omitempty"`
	Push    *protocol.Push     `json:"push,omitempty"`
}
