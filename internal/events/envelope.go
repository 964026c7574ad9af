package events

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the messaging engine
const (
	TypeConversationCreated = "conversation.created.v1"
	TypeMessageSent         = "message.sent.v1"
	TypeMessageReceived     = "message.received.v1"
	TypeMessageStatus       = "message.status_changed.v1"
	TypeConversationRead    = "conversation.read.v1"
)

const producer = "neo-crm"

// Meta describes an emitted event
type Meta struct {
	// Request correlation, when the event was caused by an HTTP request
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	// Event name and version, e.g. message.received.v1
	Type string `json:"type"`
}

// Envelope wraps an event payload with its metadata
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope builds an envelope for data with a fresh event id
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	p := producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &p,
		Time:     time.Now().UTC(),
		Type:     eventType,
	}
	if correlationID != "" {
		meta.CorrelationID = &correlationID
	}
	return Envelope{Meta: meta, Data: data}
}
