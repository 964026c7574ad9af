package entity

import (
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
)

// ParseConversationStatus parses a lifecycle status
func ParseConversationStatus(raw string) (ConversationStatus, error) {
	s := ConversationStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case ConversationActive, ConversationArchived, ConversationClosed:
		return s, nil
	}
	return "", ErrInvalidConvStatus
}

// Conversation is the thread with one phone address on one channel
type Conversation struct {
	ID            string             `json:"id"`
	Channel       Channel            `json:"channel"`
	Phone         string             `json:"phone"`
	LeadID        string             `json:"lead_id,omitempty"`
	CustomerName  string             `json:"customer_name,omitempty"`
	LastMessage   string             `json:"last_message,omitempty"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
	MessageCount  int                `json:"message_count"`
	UnreadCount   int                `json:"unread_count"`
	Status        ConversationStatus `json:"status"`
	Tags          []string           `json:"tags"`
	Notes         string             `json:"notes,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ConversationHints are optional attributes applied when a conversation is created
type ConversationHints struct {
	CustomerName string
	LeadID       string
}

// ConversationUpdate holds the mutable conversation attributes; nil fields are left alone
type ConversationUpdate struct {
	Status       *ConversationStatus
	Tags         *[]string
	Notes        *string
	CustomerName *string
	LeadID       *string
}

// ConversationSort is the ordering of a conversation listing
type ConversationSort string

const (
	SortRecent      ConversationSort = "recent"
	SortOldest      ConversationSort = "oldest"
	SortUnreadFirst ConversationSort = "unread"
)

// ParseConversationSort parses a sort key, defaulting to recent
func ParseConversationSort(raw string) (ConversationSort, error) {
	switch ConversationSort(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SortRecent:
		return SortRecent, nil
	case SortOldest:
		return SortOldest, nil
	case SortUnreadFirst, "unread_first", "unread-first":
		return SortUnreadFirst, nil
	}
	return "", ErrInvalidSort
}

// ConversationFilter selects conversations for listing and search
type ConversationFilter struct {
	Channel    Channel
	Query      string
	Status     ConversationStatus
	Sort       ConversationSort
	UnreadOnly bool
	Limit      int
	Offset     int
}

// Pagination describes one page of a listing
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int   `json:"pages"`
}

// NewPagination computes the page count for a listing
func NewPagination(page, limit int, total int64) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{Page: page, Limit: limit, Total: total, Pages: pages}
}

// ReadReceipt records that a reader has seen a message
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Typist is an agent currently typing in a conversation
type Typist struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
