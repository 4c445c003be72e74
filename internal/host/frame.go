package host

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Frame kinds on the client websocket.
const (
	// KindHello is the first frame a client receives.
	KindHello = "hello"
	// KindMessage carries a worker message to the page.
	KindMessage = "message"
	// KindEvent carries a platform event to the page.
	KindEvent = "event"
	// KindPost carries a page message to a worker.
	KindPost = "post"
)

// Platform events.
const (
	EventUpdateFound      = "updatefound"
	EventStateChange      = "statechange"
	EventControllerChange = "controllerchange"
)

// Post targets.
const (
	TargetActive     = "active"
	TargetWaiting    = "waiting"
	TargetInstalling = "installing"
)

// Frame is the envelope of everything exchanged with a page. Worker messages
// travel untouched in Data.
type Frame struct {
	Kind       string          `json:"kind"`
	ClientID   string          `json:"clientId,omitempty"`
	Event      string          `json:"event,omitempty"`
	State      string          `json:"state,omitempty"`
	Version    string          `json:"version,omitempty"`
	Controller string          `json:"controller,omitempty"`
	Target     string          `json:"target,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (f Frame) Encode() ([]byte, error) {
	b, err := sonic.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := sonic.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
