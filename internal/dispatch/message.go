package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidCommand is returned for subscription commands that cannot be applied.
var ErrInvalidCommand = errors.New("invalid subscription command")

// SubscriptionType names one of the three push levels.
type SubscriptionType string

const (
	TypeApplicationInfo SubscriptionType = "ApplicationInfoSubscribe"
	TypeProcessInfo     SubscriptionType = "ProcessInfoSubscribe"
	TypeAppDetailInfo   SubscriptionType = "AppDetailInfoSubscribe"
	// TypeError marks envelopes answering a rejected command.
	TypeError SubscriptionType = "error"
)

// Command actions.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Command is a subscription request received from a client.
type Command struct {
	Action string           `json:"action"`
	Type   SubscriptionType `json:"type"`
	// Interval is the desired push interval in milliseconds.
	Interval   int64    `json:"interval"`
	ProcessIDs []uint32 `json:"processIds,omitempty"`
	AppPath    string   `json:"appPath,omitempty"`
}

// Envelope wraps every message pushed to a client.
type Envelope struct {
	Type    SubscriptionType `json:"type"`
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Message string           `json:"message,omitempty"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

func newEnvelope(t SubscriptionType, data any, now time.Time) Envelope {
	return Envelope{Type: t, Success: true, Data: data, Timestamp: now.UnixMilli()}
}

// ErrorEnvelope answers a client whose request could not be served.
func ErrorEnvelope(message string, now time.Time) Envelope {
	return Envelope{Type: TypeError, Success: false, Message: message, Timestamp: now.UnixMilli()}
}

// Sender delivers envelopes to connected clients.
type Sender interface {
	Send(ctx context.Context, clientID string, env Envelope) error
}
