package entity

import (
	"strings"
	"time"
	"unicode/utf8"
)

// SenderType identifies which side of the conversation wrote a message
type SenderType string

const (
	SenderAgent    SenderType = "agent"
	SenderCustomer SenderType = "customer"
)

// MaxMessageLength is the longest body the provider accepts (10 concatenated segments)
const MaxMessageLength = 1600

// MaxMediaPerMessage is the provider's attachment limit
const MaxMediaPerMessage = 10

// snippetLength bounds the conversation's last message preview
const snippetLength = 160

// ErrorInfo is the provider's failure reason for a message
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one ledger entry in a conversation
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Channel        Channel    `json:"channel"`
	SenderType     SenderType `json:"sender_type"`
	UserID         string     `json:"user_id,omitempty"`
	LeadID         string     `json:"lead_id,omitempty"`
	FromAddress    string     `json:"from_address"`
	ToAddress      string     `json:"to_address"`
	Body           string     `json:"body"`
	MediaURLs      []string   `json:"media_urls,omitempty"`
	Status         Status     `json:"status"`
	ProviderID     string     `json:"provider_id,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	SentAt         time.Time  `json:"sent_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks the content rules for a new ledger entry
func (m *Message) Validate() error {
	if !m.Channel.Valid() {
		return ErrInvalidChannel
	}
	if strings.TrimSpace(m.Body) == "" && len(m.MediaURLs) == 0 {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(m.Body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if len(m.MediaURLs) > MaxMediaPerMessage {
		return ErrTooManyMedia
	}
	return nil
}

// IsInbound reports whether the customer wrote the message
func (m *Message) IsInbound() bool {
	return m.SenderType == SenderCustomer
}

// IsScheduled reports whether the message is held for a future dispatch
func (m *Message) IsScheduled() bool {
	return m.Status == StatusScheduled
}

// Snippet returns the preview stored on the conversation
func (m *Message) Snippet() string {
	text := strings.TrimSpace(m.Body)
	if text == "" && len(m.MediaURLs) > 0 {
		return "[media]"
	}
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:snippetLength])
}

// ApplyStatus runs the delivery state machine against next and updates the
// timestamps and failure reason. It returns false when the stored state is kept.
func (m *Message) ApplyStatus(next Status, info *ErrorInfo, at time.Time) bool {
	resolved, changed := ResolveStatus(m.Status, next)
	if !changed {
		return false
	}

	m.Status = resolved
	m.UpdatedAt = at

	switch resolved {
	case StatusDelivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case StatusRead:
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	case StatusFailed, StatusUndelivered:
		if info != nil {
			m.ErrorCode = info.Code
			m.ErrorMessage = info.Message
		}
	}

	return true
}
