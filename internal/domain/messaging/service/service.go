package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/gateway"
	"github.com/vadim/neo-crm/internal/events"
)

// TxManager runs a function inside one storage transaction
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Gateway is the provider adapter
type Gateway interface {
	FormatAddress(raw string) (string, error)
	LookupSenderAddress(channel entity.Channel) (string, error)
	Send(ctx context.Context, channel entity.Channel, to, body string, media []string) (*gateway.SendResult, error)
}

// ConversationRepository defines the interface for conversation storage.
// Counter mutations are atomic at the storage layer.
type ConversationRepository interface {
	Create(ctx context.Context, conv *entity.Conversation) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	GetByAddress(ctx context.Context, channel entity.Channel, phone string) (*entity.Conversation, error)
	ApplyMessage(ctx context.Context, id, snippet string, at time.Time, inbound bool) error
	DecrementUnread(ctx context.Context, id string) error
	Lock(ctx context.Context, id string) error
	RecomputeUnread(ctx context.Context, id string) (int, error)
	Update(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error)
	List(ctx context.Context, filter entity.ConversationFilter) ([]entity.Conversation, error)
	Count(ctx context.Context, filter entity.ConversationFilter) (int64, error)
}

// MessageRepository defines the interface for the normalized message ledger
type MessageRepository interface {
	Insert(ctx context.Context, msg *entity.Message) error
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	GetByIDForUpdate(ctx context.Context, id string) (*entity.Message, error)
	GetByProviderID(ctx context.Context, providerID string) (*entity.Message, error)
	GetByProviderIDForUpdate(ctx context.Context, providerID string) (*entity.Message, error)
	SetProviderID(ctx context.Context, id, providerID string) error
	UpdateDelivery(ctx context.Context, msg *entity.Message) error
	MarkConversationRead(ctx context.Context, conversationID string, at time.Time) ([]string, error)
	GetByConversationID(ctx context.Context, conversationID string, order entity.SortOrder, limit, offset int) ([]entity.Message, error)
	Count(ctx context.Context, conversationID string) (int64, error)
	GetStalePending(ctx context.Context, before time.Time, limit int) ([]entity.Message, error)
}

// LegacyRepository defines the interface for the flat inbox table
type LegacyRepository interface {
	Upsert(ctx context.Context, msg entity.LegacyMessage) error
	GetByID(ctx context.Context, id string) (*entity.LegacyMessage, error)
	GetByChannel(ctx context.Context, channel entity.Channel, limit, offset int) ([]entity.LegacyMessage, error)
	CountByChannel(ctx context.Context, channel entity.Channel) (int64, error)
	GetDivergentIDs(ctx context.Context, limit int) ([]string, error)
}

// ReceiptRepository defines the interface for read receipt storage
type ReceiptRepository interface {
	Insert(ctx context.Context, receipt entity.ReadReceipt) (bool, error)
	CountForMessage(ctx context.Context, messageID string) (int, error)
	InsertForConversation(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
	UnreadCountFor(ctx context.Context, conversationID, readerID string) (int, error)
}

// TypingStore keeps short-lived typing presence
type TypingStore interface {
	Touch(ctx context.Context, conversationID, userID string, now time.Time) error
	Active(ctx context.Context, conversationID string, now time.Time) ([]entity.Typist, error)
}

// EventPublisher emits domain events
type EventPublisher interface {
	Publish(ctx context.Context, key string, msg events.Envelope) error
}

// Config holds messaging engine settings
type Config struct {
	LegacyWriteAttempts int
	LegacyRetryDelay    time.Duration
	// PendingTimeout bounds how long an entry may stay pending
	PendingTimeout time.Duration
}

// Deps are the collaborators of the messaging service
type Deps struct {
	Tx            TxManager
	Gateway       Gateway
	Conversations ConversationRepository
	Messages      MessageRepository
	Legacy        LegacyRepository
	Receipts      ReceiptRepository
	Typing        TypingStore
	Events        EventPublisher
}

// Service implements the messaging sync engine
type Service struct {
	tx       TxManager
	gw       Gateway
	convs    ConversationRepository
	msgs     MessageRepository
	legacy   LegacyRepository
	receipts ReceiptRepository
	typing   TypingStore
	events   EventPublisher
	cfg      Config
	logger   *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a new messaging service
func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.LegacyWriteAttempts <= 0 {
		cfg.LegacyWriteAttempts = 3
	}
	if cfg.LegacyRetryDelay <= 0 {
		cfg.LegacyRetryDelay = 50 * time.Millisecond
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 2 * time.Minute
	}

	pub := deps.Events
	if pub == nil {
		pub = events.Noop{}
	}

	return &Service{
		tx:       deps.Tx,
		gw:       deps.Gateway,
		convs:    deps.Conversations,
		msgs:     deps.Messages,
		legacy:   deps.Legacy,
		receipts: deps.Receipts,
		typing:   deps.Typing,
		events:   pub,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// publish emits an event without failing the caller
func (s *Service) publish(ctx context.Context, eventType string, data any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	env := events.NewEnvelope(eventType, middleware.GetReqID(ctx), data)
	if err := s.events.Publish(ctx, eventType, env); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

// detached returns a context that survives the caller's cancellation, for
// writes that must land once the provider has acted
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// normalizePage clamps page and size and returns the row offset
func normalizePage(page, size int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size, (page - 1) * size
}
