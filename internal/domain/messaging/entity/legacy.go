package entity

import (
	"slices"
	"time"
)

// Direction of a flat inbox record
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// LegacyMessage is the flat SMS/WhatsApp inbox record kept alongside the ledger.
// It shares the ledger entry's id.
type LegacyMessage struct {
	ID           string     `json:"id"`
	Channel      Channel    `json:"channel"`
	Direction    Direction  `json:"direction"`
	FromNumber   string     `json:"from_number"`
	ToNumber     string     `json:"to_number"`
	Body         string     `json:"body"`
	MediaURLs    []string   `json:"media_urls,omitempty"`
	Status       Status     `json:"status"`
	ProviderID   string     `json:"provider_id,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LeadID       string     `json:"lead_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	SentAt       time.Time  `json:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LegacyFromMessage builds the flat twin of a ledger entry
func LegacyFromMessage(m *Message) LegacyMessage {
	dir := DirectionOutbound
	if m.IsInbound() {
		dir = DirectionInbound
	}
	return LegacyMessage{
		ID:           m.ID,
		Channel:      m.Channel,
		Direction:    dir,
		FromNumber:   m.FromAddress,
		ToNumber:     m.ToAddress,
		Body:         m.Body,
		MediaURLs:    slices.Clone(m.MediaURLs),
		Status:       m.Status,
		ProviderID:   m.ProviderID,
		ErrorCode:    m.ErrorCode,
		ErrorMessage: m.ErrorMessage,
		LeadID:       m.LeadID,
		UserID:       m.UserID,
		SentAt:       m.SentAt,
		DeliveredAt:  m.DeliveredAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

// ConsistentWith reports whether the flat record reflects the ledger entry's delivery state
func (l *LegacyMessage) ConsistentWith(m *Message) bool {
	return l.ID == m.ID &&
		l.Status == m.Status &&
		l.ProviderID == m.ProviderID &&
		l.ErrorCode == m.ErrorCode
}
