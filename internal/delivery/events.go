package delivery

import "time"

// Event types emitted to the broker. Every delivery id produces exactly
// one terminal event: delivery_ack, delivery_active, delivery_failed, or
// delivery_dropped.
const (
	EventQueued            = "delivery_queued"
	EventInjected          = "delivery_injected"
	EventAck               = "delivery_ack"
	EventActive            = "delivery_active"
	EventFailed            = "delivery_failed"
	EventDropped           = "delivery_dropped"
	EventSessionTerminated = "session_terminated"
)

// Event is the outward-facing record of a delivery lifecycle change.
type Event struct {
	EventType  string    `json:"type"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Session    string    `json:"session"`
	Sender     string    `json:"from,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Method     string    `json:"method,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	OccurredAt time.Time `json:"ts"`
}

func (e Event) Type() string {
	return e.EventType
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}

func newEvent(eventType, session string, d *PendingDelivery) Event {
	evt := Event{
		EventType:  eventType,
		Session:    session,
		OccurredAt: time.Now().UTC(),
	}
	if d != nil {
		evt.DeliveryID = d.ID
		evt.Sender = d.From
		evt.Attempt = d.Attempt
		evt.Tier = d.Priority.String()
	}
	return evt
}
