// Package transport abstracts the primitive that actually hands a message to
// the carrier network. Send is a non-blocking handoff; outcomes arrive later
// as Events correlated by job id, mirroring how carrier acknowledgements and
// delivery reports behave.
package transport

import (
	"context"
	"time"
)

// EventKind classifies asynchronous transport outcomes.
type EventKind string

const (
	// EventSent means every part of the message was accepted by the network.
	EventSent EventKind = "sent"
	// EventDelivered means the recipient device confirmed delivery. Not all
	// carriers produce this; its absence is not an error.
	EventDelivered EventKind = "delivered"
	// EventSendFailed means at least one part was rejected. Retryable.
	EventSendFailed EventKind = "send_failed"
	// EventDeliveryFailed means the delivery report itself failed; the
	// message was most likely still sent.
	EventDeliveryFailed EventKind = "delivery_failed"
)

// Event is one asynchronous outcome for a previously accepted Send.
type Event struct {
	JobID     string
	Kind      EventKind
	Code      int
	Message   string
	Timestamp time.Time
}

// Transport performs the network-level send of a message payload. Send must
// return quickly: it either accepts the handoff (outcomes arrive on Events)
// or returns a classified error. Payloads over the single-unit limit are
// split into ordered parts behind this interface; a failure of any part
// fails the whole job.
type Transport interface {
	Send(ctx context.Context, jobID, destination, payload string) error
	Events() <-chan Event
	Close() error
}
