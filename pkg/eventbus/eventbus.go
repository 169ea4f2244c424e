// Package eventbus defines the client contract for the external plugin bus
// (spec.md §4.9): a fire-and-forget notification sent once a conversation
// pipeline finishes, for whatever downstream integrations subscribe to it.
package eventbus

import "context"

// Event is one notification posted to the plugin bus.
type Event struct {
	// Type names the event, e.g. "conversation.complete".
	Type string `json:"type"`

	// Payload is the event body, serialized verbatim by the Dispatcher.
	Payload any `json:"payload"`
}

// Dispatcher posts events to the external plugin bus.
//
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}
