// Package nativemsg carries Coordinator traffic over the browser native messaging
// channel: every frame is a 4-byte little-endian length followed by that many bytes of JSON.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the browser's cap on a single frame.
const MaxMessageSize = 1024 * 1024

var (
	ErrEmptyFrame    = errors.New("nativemsg: empty frame")
	ErrFrameTooLarge = errors.New("nativemsg: frame too large")
)

// Read reads one frame. io.EOF is returned unwrapped when the stream ends cleanly.
func Read(r io.Reader) (json.RawMessage, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, MaxMessageSize)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return json.RawMessage(msg), nil
}

// Write marshals msg and writes it as one frame.
func Write(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), MaxMessageSize)
	}

	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
