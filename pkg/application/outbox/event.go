package outbox

import "context"

// Event is a domain event recorded in the outbox. Type is the logical name
// stored next to the serialized payload and used to pick a decoder on dispatch.
type Event interface {
	Type() string
}

// Appender records events inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, event Event) (string, error)
}
