package events

import "context"

// Event types
const (
	EventEscrowStatusChanged  = "escrow_status_changed"
	EventTransactionConfirmed = "transaction_confirmed"
	EventFundsReleased        = "funds_released"
	EventDeliverableSubmitted = "deliverable_submitted"
)

// StreamEscrow is the channel all escrow lifecycle events are published on.
const StreamEscrow = "events:escrow"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
