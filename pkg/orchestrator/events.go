package orchestrator

import (
	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

// EventType classifies relay lifecycle notifications.
type EventType string

const (
	EventRelaySucceeded EventType = "relay_succeeded"
	EventRelayFailed    EventType = "relay_failed"
	// EventRelayExhausted marks a failure with no retries left.
	EventRelayExhausted EventType = "relay_exhausted"
	EventRetryScheduled EventType = "retry_scheduled"
)

// Event is a discrete relay lifecycle notification.
type Event struct {
	Type        EventType
	MessageHash message.Hash
	Result      *relayer.RelayResult
}

const eventBuffer = 256

// Events returns the notification stream. Closed when Run returns.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

// emit never blocks; a slow consumer loses notifications rather than
// stalling relays.
func (o *Orchestrator) emit(ev Event) {
	select {
	case o.events <- ev:
	default:
	}
}
