package amqp

import (
	"encoding/json"
	"time"
)

// Event types published after a committed change.
const (
	EventObligationCreated  = "obligation.created"
	EventObligationUpdated  = "obligation.updated"
	EventObligationPaid     = "obligation.paid"
	EventObligationUnpaid   = "obligation.unpaid"
	EventObligationDeleted  = "obligation.deleted"
	EventObligationMoved    = "obligation.moved"
	EventLedgerCreated      = "ledger.created"
	EventLedgerReconciled   = "ledger.reconciled"
	EventLedgerDeleted      = "ledger.deleted"
	EventTemplateCreated    = "template.created"
	EventTemplateGenerated  = "template.generated"
	EventTemplateCancelled  = "template.cancelled"
	EventTemplateDeactivate = "template.deactivated"
)

// Event is a lightweight change notification. Consumers fetch the entity by id.
type Event struct {
	Type      string    `json:"type"`
	OwnerID   string    `json:"owner_id"`
	EntityID  string    `json:"entity_id"`
	GroupID   string    `json:"group_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType, ownerID, entityID, groupID string) *Event {
	return &Event{
		Type:      eventType,
		OwnerID:   ownerID,
		EntityID:  entityID,
		GroupID:   groupID,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON creates an event from JSON bytes
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReminderMessage asks the reminder worker to nudge a debtor.
// Delivery is at-most-once from the caller's point of view.
type ReminderMessage struct {
	OwnerID      string    `json:"owner_id"`
	ObligationID string    `json:"obligation_id"`
	DebtorName   string    `json:"debtor_name"`
	ContactRef   string    `json:"contact_ref,omitempty"`
	AmountCents  int64     `json:"amount_cents"`
	Description  string    `json:"description,omitempty"`
	Note         string    `json:"note,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ToJSON converts the message to JSON bytes
func (m *ReminderMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ReminderMessageFromJSON creates a message from JSON bytes
func ReminderMessageFromJSON(data []byte) (*ReminderMessage, error) {
	var msg ReminderMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
