package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-crm/internal/database"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

const messageColumns = `
	id, conversation_id, channel, sender_type, COALESCE(user_id, ''), COALESCE(lead_id, ''),
	from_address, to_address, body, media_urls, status, COALESCE(provider_id, ''),
	COALESCE(error_code, ''), COALESCE(error_message, ''), sent_at, delivered_at, read_at,
	created_at, updated_at`

// MessagePostgres implements the normalized message ledger for PostgreSQL
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

// Insert appends a ledger entry. A second entry with the same provider id fails
// with entity.ErrAlreadyExists; that constraint is the webhook deduplication guard.
func (r *MessagePostgres) Insert(ctx context.Context, msg *entity.Message) error {
	query := `
		INSERT INTO conversation_messages (
			id, conversation_id, channel, sender_type, user_id, lead_id, from_address, to_address,
			body, media_urls, status, provider_id, error_code, error_message,
			sent_at, delivered_at, read_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8,
			$9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, ''),
			$15, $16, $17, $18, $19
		)
	`

	media := msg.MediaURLs
	if media == nil {
		media = []string{}
	}

	_, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Channel,
		msg.SenderType,
		msg.UserID,
		msg.LeadID,
		msg.FromAddress,
		msg.ToAddress,
		msg.Body,
		media,
		msg.Status,
		msg.ProviderID,
		msg.ErrorCode,
		msg.ErrorMessage,
		msg.SentAt,
		msg.DeliveredAt,
		msg.ReadAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return entity.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetByID retrieves a message by ID
func (r *MessagePostgres) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages WHERE id = $1`
	return r.scanMessage(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
}

// GetByIDForUpdate retrieves a message by ID and locks the row until the transaction ends
func (r *MessagePostgres) GetByIDForUpdate(ctx context.Context, id string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages WHERE id = $1 FOR UPDATE`
	return r.scanMessage(database.Conn(ctx, r.pool).QueryRow(ctx, query, id))
}

// GetByProviderID retrieves the message correlated with a provider message id
func (r *MessagePostgres) GetByProviderID(ctx context.Context, providerID string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages WHERE provider_id = $1`
	return r.scanMessage(database.Conn(ctx, r.pool).QueryRow(ctx, query, providerID))
}

// GetByProviderIDForUpdate is GetByProviderID with a row lock
func (r *MessagePostgres) GetByProviderIDForUpdate(ctx context.Context, providerID string) (*entity.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_messages WHERE provider_id = $1 FOR UPDATE`
	return r.scanMessage(database.Conn(ctx, r.pool).QueryRow(ctx, query, providerID))
}

// SetProviderID assigns the provider id once. Reassigning a different id fails
// with entity.ErrProviderIDConflict.
func (r *MessagePostgres) SetProviderID(ctx context.Context, id, providerID string) error {
	query := `
		UPDATE conversation_messages
		SET provider_id = $2, updated_at = now()
		WHERE id = $1 AND (provider_id IS NULL OR provider_id = $2)
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, id, providerID)
	if database.IsUniqueViolation(err) {
		return entity.ErrProviderIDConflict
	}
	if err != nil {
		return fmt.Errorf("setting provider id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return entity.ErrMessageNotFound
		}
		return entity.ErrProviderIDConflict
	}

	return nil
}

// UpdateDelivery persists the delivery state of a message
func (r *MessagePostgres) UpdateDelivery(ctx context.Context, msg *entity.Message) error {
	query := `
		UPDATE conversation_messages SET
			status = $2,
			error_code = NULLIF($3, ''),
			error_message = NULLIF($4, ''),
			delivered_at = $5,
			read_at = $6,
			updated_at = $7
		WHERE id = $1
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query,
		msg.ID,
		msg.Status,
		msg.ErrorCode,
		msg.ErrorMessage,
		msg.DeliveredAt,
		msg.ReadAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating message delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrMessageNotFound
	}

	return nil
}

// MarkConversationRead moves every received customer message of a conversation to read
// and returns the ids it changed
func (r *MessagePostgres) MarkConversationRead(ctx context.Context, conversationID string, at time.Time) ([]string, error) {
	query := `
		UPDATE conversation_messages
		SET status = 'read', read_at = COALESCE(read_at, $2), updated_at = $2
		WHERE conversation_id = $1 AND sender_type = 'customer' AND status = 'received'
		RETURNING id
	`

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, conversationID, at)
	if err != nil {
		return nil, fmt.Errorf("marking conversation read: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// GetByConversationID retrieves messages for a conversation ordered by sent_at
func (r *MessagePostgres) GetByConversationID(ctx context.Context, conversationID string, order entity.SortOrder, limit, offset int) ([]entity.Message, error) {
	direction := "ASC"
	if order == entity.SortDesc {
		direction = "DESC"
	}

	query := `SELECT ` + messageColumns + `
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY sent_at ` + direction + `, created_at ` + direction + `
		LIMIT $2 OFFSET $3`

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

// Count returns the number of messages in a conversation
func (r *MessagePostgres) Count(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := database.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = $1", conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// GetStalePending returns pending messages created before the cutoff
func (r *MessagePostgres) GetStalePending(ctx context.Context, before time.Time, limit int) ([]entity.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM conversation_messages
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := database.Conn(ctx, r.pool).Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale pending messages: %w", err)
	}
	defer rows.Close()

	return r.scanMessages(rows)
}

// scanMessage scans a single message row
func (r *MessagePostgres) scanMessage(row pgx.Row) (*entity.Message, error) {
	var msg entity.Message

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Channel,
		&msg.SenderType,
		&msg.UserID,
		&msg.LeadID,
		&msg.FromAddress,
		&msg.ToAddress,
		&msg.Body,
		&msg.MediaURLs,
		&msg.Status,
		&msg.ProviderID,
		&msg.ErrorCode,
		&msg.ErrorMessage,
		&msg.SentAt,
		&msg.DeliveredAt,
		&msg.ReadAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	return &msg, nil
}

// scanMessages scans multiple message rows
func (r *MessagePostgres) scanMessages(rows pgx.Rows) ([]entity.Message, error) {
	messages := []entity.Message{}
	for rows.Next() {
		msg, err := r.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
