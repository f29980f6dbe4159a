package protocol

import (
	"encoding/json"
	"fmt"
)

// Reply is the structured answer to every Message. Failures never cross a message
// boundary any other way.
type Reply struct {
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	Code             ErrorCode       `json:"code,omitempty"`
	Pending          bool            `json:"pending,omitempty"`
	RequestID        string          `json:"requestId,omitempty"`
	AlreadyConnected bool            `json:"alreadyConnected,omitempty"`
	WindowFocused    bool            `json:"windowFocused,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

func OK(result any) Reply {
	r := Reply{Success: true}
	if result == nil {
		return r
	}
	if raw, ok := result.(json.RawMessage); ok {
		r.Result = raw
		return r
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Fail(fmt.Errorf("marshal result: %w", err))
	}
	r.Result = raw
	return r
}

func PendingReply(requestID string, windowFocused bool) Reply {
	return Reply{Success: true, Pending: true, RequestID: requestID, WindowFocused: windowFocused}
}

func Fail(err error) Reply {
	return Reply{Success: false, Error: err.Error(), Code: CodeOf(err)}
}

// Err returns nil for a successful reply, otherwise an error matching the taxonomy sentinel.
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	return ErrorFromCode(r.Code, r.Error)
}

// DecodeResult unmarshals the reply result into dst.
func (r Reply) DecodeResult(dst any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: empty result", ErrInvalidRequest)
	}
	return json.Unmarshal(r.Result, dst)
}
