package streaming

import (
	"context"

	"github.com/rendis/flowcore/pkg/schema"
)

// EventFilter specifies which run events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for committed run events.
type EventHub interface {
	Publish(ctx context.Context, event schema.ExecutionEvent) error
	// Subscribe returns a channel of matching events and a cancel func that
	// ends the subscription and closes the channel. The subscription also
	// ends when ctx is done.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ExecutionEvent, func(), error)
}
