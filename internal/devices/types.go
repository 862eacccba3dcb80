package devices

import (
	"context"
	"errors"
	"time"

	"github.com/NowakAdmin/CPWplusAgent/internal/protocol"
)

var (
	ErrClosed        = errors.New("device closed")
	ErrUnknownAction = errors.New("unknown action")
)

type State string

const (
	StateUnidentified State = "unidentified"
	StateProbing      State = "probing"
	StateIdentified   State = "identified"
	StateReading      State = "reading"
	StateIdle         State = "idle"
	StateError        State = "error"
	StateClosed       State = "closed"
)

const (
	ActionReadOnce     = "read_once"
	ActionStartReading = "start_reading"
	ActionStopReading  = "stop_reading"
	ActionTare         = "tare"
	ActionZero         = "zero"
	ActionReadNet      = "read_net"
)

// Reading is the latest observed state of a scale. Value only ever comes from a
// successfully parsed answer; failures keep it and flip Status to error.
type Reading struct {
	Value      float64           `json:"value"`
	Unit       protocol.Unit     `json:"unit,omitempty"`
	Net        bool              `json:"net,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Raw        string            `json:"raw,omitempty"`
	Owner      string            `json:"owner,omitempty"`
	ActionArgs map[string]string `json:"action_args,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// ActionRequest is one discrete command forwarded from the POS client. SessionID and
// Args are echoed back so the answer can be routed to the caller.
type ActionRequest struct {
	Action    string            `json:"action"`
	SessionID string            `json:"session_id,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// Snapshot is a copy of a device's state for status pages and the tray.
type Snapshot struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	State      State  `json:"state"`
	Continuous bool   `json:"continuous"`
	// FlowControlOff is set once DTR/RTS were dropped on the open connection.
	FlowControlOff bool    `json:"flow_control_off"`
	Reading        Reading `json:"reading"`
}

// Driver is what a host needs from a scale: measurements on its own schedule,
// discrete actions on demand.
type Driver interface {
	Identifier() string
	TakeMeasure(ctx context.Context) error
	Action(ctx context.Context, req ActionRequest) error
	Run(ctx context.Context)
	Snapshot() Snapshot
	Close() error
}
