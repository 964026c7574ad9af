package dao

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-crm/internal/database"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

const conversationColumns = `
	id, channel, phone, COALESCE(lead_id, ''), customer_name, last_message,
	last_message_at, message_count, unread_count, status, tags, notes, created_at, updated_at`

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

// Create inserts a conversation. A concurrent insert for the same (channel, phone)
// fails with entity.ErrAlreadyExists.
func (r *ConversationPostgres) Create(ctx context.Context, conv *entity.Conversation) error {
	query := `
		INSERT INTO conversations (
			id, channel, phone, lead_id, customer_name, status, tags, notes, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
	`

	tags := conv.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		conv.ID,
		conv.Channel,
		conv.Phone,
		conv.LeadID,
		conv.CustomerName,
		conv.Status,
		tags,
		conv.Notes,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return entity.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}

	return nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`

	row := database.Conn(ctx, r.pool).QueryRow(ctx, query, id)
	return r.scanConversation(row)
}

// GetByAddress retrieves the conversation for a phone address on a channel
func (r *ConversationPostgres) GetByAddress(ctx context.Context, channel entity.Channel, phone string) (*entity.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE channel = $1 AND phone = $2`

	row := database.Conn(ctx, r.pool).QueryRow(ctx, query, channel, phone)
	return r.scanConversation(row)
}

// ApplyMessage atomically bumps message_count, bumps unread_count for inbound
// messages and moves the last message snapshot forward in time.
// An inbound message reopens an archived or closed conversation.
func (r *ConversationPostgres) ApplyMessage(ctx context.Context, id, snippet string, at time.Time, inbound bool) error {
	query := `
		UPDATE conversations SET
			message_count = message_count + 1,
			unread_count = unread_count + CASE WHEN $4 THEN 1 ELSE 0 END,
			last_message = CASE
				WHEN last_message_at IS NULL OR $3 >= last_message_at THEN $2
				ELSE last_message
			END,
			last_message_at = GREATEST(COALESCE(last_message_at, $3), $3),
			status = CASE WHEN $4 THEN 'active' ELSE status END,
			updated_at = now()
		WHERE id = $1
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, id, snippet, at, inbound)
	if err != nil {
		return fmt.Errorf("applying message to conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}

	return nil
}

// DecrementUnread lowers unread_count by one, never below zero
func (r *ConversationPostgres) DecrementUnread(ctx context.Context, id string) error {
	query := `
		UPDATE conversations
		SET unread_count = GREATEST(unread_count - 1, 0), updated_at = now()
		WHERE id = $1
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("decrementing unread count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrConversationNotFound
	}

	return nil
}

// Lock takes the conversation row lock for the rest of the transaction.
// Aggregate writers that recompute from the ledger must hold it before reading.
func (r *ConversationPostgres) Lock(ctx context.Context, id string) error {
	var locked int
	err := database.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT 1 FROM conversations WHERE id = $1 FOR UPDATE", id).Scan(&locked)
	if err == pgx.ErrNoRows {
		return entity.ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("locking conversation: %w", err)
	}
	return nil
}

// RecomputeUnread sets unread_count to the number of customer messages nobody has read
func (r *ConversationPostgres) RecomputeUnread(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE conversations c SET
			unread_count = (
				SELECT COUNT(*)
				FROM conversation_messages m
				WHERE m.conversation_id = c.id
				  AND m.sender_type = 'customer'
				  AND NOT EXISTS (SELECT 1 FROM message_read_receipts rr WHERE rr.message_id = m.id)
			),
			updated_at = now()
		WHERE c.id = $1
		RETURNING unread_count
	`

	var unread int
	err := database.Conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&unread)
	if err == pgx.ErrNoRows {
		return 0, entity.ErrConversationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("recomputing unread count: %w", err)
	}

	return unread, nil
}

// Update applies the non-nil fields of upd and returns the stored conversation
func (r *ConversationPostgres) Update(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error) {
	query := `
		UPDATE conversations SET
			status = COALESCE($2, status),
			tags = COALESCE($3, tags),
			notes = COALESCE($4, notes),
			customer_name = COALESCE($5, customer_name),
			lead_id = CASE WHEN $6::text IS NULL THEN lead_id ELSE NULLIF($6, '') END,
			updated_at = now()
		WHERE id = $1
		RETURNING ` + conversationColumns

	var tags *[]string
	if upd.Tags != nil {
		normalized := normalizeTags(*upd.Tags)
		tags = &normalized
	}

	row := database.Conn(ctx, r.pool).QueryRow(ctx, query,
		id,
		upd.Status,
		tags,
		upd.Notes,
		upd.CustomerName,
		upd.LeadID,
	)
	return r.scanConversation(row)
}

// List retrieves conversations matching the filter
func (r *ConversationPostgres) List(ctx context.Context, filter entity.ConversationFilter) ([]entity.Conversation, error) {
	where, args := buildConversationWhere(filter)

	orderBy := "last_message_at DESC NULLS LAST, created_at DESC"
	switch filter.Sort {
	case entity.SortOldest:
		orderBy = "last_message_at ASC NULLS LAST, created_at ASC"
	case entity.SortUnreadFirst:
		orderBy = "(unread_count > 0) DESC, last_message_at DESC NULLS LAST"
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM conversations %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		conversationColumns, where, orderBy, len(args)-1, len(args))

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

// Count returns the number of conversations matching the filter
func (r *ConversationPostgres) Count(ctx context.Context, filter entity.ConversationFilter) (int64, error) {
	where, args := buildConversationWhere(filter)

	var count int64
	err := database.Conn(ctx, r.pool).QueryRow(ctx, "SELECT COUNT(*) FROM conversations "+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return count, nil
}

func buildConversationWhere(filter entity.ConversationFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.Channel != "" {
		args = append(args, filter.Channel)
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.UnreadOnly {
		conds = append(conds, "unread_count > 0")
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+q+"%", strings.ToLower(q))
		like, exact := len(args)-1, len(args)
		conds = append(conds, fmt.Sprintf(
			"(phone ILIKE $%d OR customer_name ILIKE $%d OR last_message ILIKE $%d OR notes ILIKE $%d OR $%d = ANY(tags))",
			like, like, like, like, exact))
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// scanConversation scans a single conversation row
func (r *ConversationPostgres) scanConversation(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	var lastMessageAt *time.Time

	err := row.Scan(
		&conv.ID,
		&conv.Channel,
		&conv.Phone,
		&conv.LeadID,
		&conv.CustomerName,
		&conv.LastMessage,
		&lastMessageAt,
		&conv.MessageCount,
		&conv.UnreadCount,
		&conv.Status,
		&conv.Tags,
		&conv.Notes,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.LastMessageAt = lastMessageAt
	return &conv, nil
}

// scanConversations scans multiple conversation rows
func (r *ConversationPostgres) scanConversations(rows pgx.Rows) ([]entity.Conversation, error) {
	conversations := []entity.Conversation{}

	for rows.Next() {
		conv, err := r.scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, *conv)
	}

	return conversations, rows.Err()
}
