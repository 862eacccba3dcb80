package events

import (
	"context"
	"errors"
	"time"
)

// SchemaVersion is bumped whenever a field of DeviceChanged is renamed or removed.
// The POS side has to be checked against the host source before any change.
const SchemaVersion = 1

const TypeDeviceChanged = "device_changed"

const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSuccess = "success"
)

// DeviceChanged is the state pushed to listeners after a measurement or an action.
// Value and Result carry the same number: hosts have read either key in the past.
type DeviceChanged struct {
	Type             string            `json:"type"`
	SchemaVersion    int               `json:"schema_version"`
	DeviceIdentifier string            `json:"device_identifier"`
	DeviceName       string            `json:"device_name,omitempty"`
	Value            float64           `json:"value"`
	Result           float64           `json:"result"`
	Unit             string            `json:"unit,omitempty"`
	Status           string            `json:"status"`
	State            string            `json:"state,omitempty"`
	Error            string            `json:"error,omitempty"`
	Action           string            `json:"action,omitempty"`
	Owner            string            `json:"owner,omitempty"`
	ActionArgs       map[string]string `json:"action_args,omitempty"`
	Time             string            `json:"time"`
}

// New fills the envelope fields of an event.
func New(device string, value float64, status string) DeviceChanged {
	return DeviceChanged{
		Type:             TypeDeviceChanged,
		SchemaVersion:    SchemaVersion,
		DeviceIdentifier: device,
		Value:            value,
		Result:           value,
		Status:           status,
		Time:             time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type Notifier interface {
	DeviceChanged(ctx context.Context, ev DeviceChanged) error
}

type Func func(ctx context.Context, ev DeviceChanged) error

func (f Func) DeviceChanged(ctx context.Context, ev DeviceChanged) error {
	return f(ctx, ev)
}

// Multi delivers to every sink; one failing sink does not stop the others.
type Multi []Notifier

func (m Multi) DeviceChanged(ctx context.Context, ev DeviceChanged) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.DeviceChanged(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Notifier = Func(func(context.Context, DeviceChanged) error { return nil })
