package signaling

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned when sending over a relay that is not connected.
var ErrNotConnected = errors.New("relay not connected")

// A Relay carries events between the local user and the signaling relay.
type Relay interface {
	// UserID is the user this relay is authenticated as.
	UserID() string
	// Send delivers one event to the relay. It fails with ErrNotConnected once
	// the relay is gone.
	Send(ctx context.Context, ev Event) error
	// Events returns the decoded events addressed to this user. The channel is
	// closed when the relay disconnects.
	Events() <-chan Event
	// Connected reports whether the relay is currently usable.
	Connected() bool
	// Err returns the reason the relay disconnected, if any.
	Err() error
	// Close disconnects from the relay.
	Close() error
}
