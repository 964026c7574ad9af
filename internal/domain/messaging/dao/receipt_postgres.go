package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-crm/internal/database"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// ReceiptPostgres stores per-reader read receipts
type ReceiptPostgres struct {
	pool *pgxpool.Pool
}

// NewReceiptPostgres creates a new read receipt repository
func NewReceiptPostgres(pool *pgxpool.Pool) *ReceiptPostgres {
	return &ReceiptPostgres{pool: pool}
}

// Insert records a receipt. It reports false when the reader had already read the message.
func (r *ReceiptPostgres) Insert(ctx context.Context, receipt entity.ReadReceipt) (bool, error) {
	query := `
		INSERT INTO message_read_receipts (message_id, reader_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, reader_id) DO NOTHING
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, receipt.MessageID, receipt.ReaderID, receipt.ReadAt)
	if err != nil {
		return false, fmt.Errorf("inserting read receipt: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CountForMessage returns how many readers have read a message
func (r *ReceiptPostgres) CountForMessage(ctx context.Context, messageID string) (int, error) {
	var count int
	err := database.Conn(ctx, r.pool).QueryRow(ctx,
		"SELECT COUNT(*) FROM message_read_receipts WHERE message_id = $1", messageID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting read receipts: %w", err)
	}
	return count, nil
}

// InsertForConversation records receipts from readerID for every customer message in a conversation
func (r *ReceiptPostgres) InsertForConversation(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	query := `
		INSERT INTO message_read_receipts (message_id, reader_id, read_at)
		SELECT id, $2, $3
		FROM conversation_messages
		WHERE conversation_id = $1 AND sender_type = 'customer'
		ON CONFLICT (message_id, reader_id) DO NOTHING
	`

	tag, err := database.Conn(ctx, r.pool).Exec(ctx, query, conversationID, readerID, at)
	if err != nil {
		return 0, fmt.Errorf("inserting conversation read receipts: %w", err)
	}

	return tag.RowsAffected(), nil
}

// UnreadCountFor counts customer messages in a conversation without a receipt from readerID
func (r *ReceiptPostgres) UnreadCountFor(ctx context.Context, conversationID, readerID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM conversation_messages m
		WHERE m.conversation_id = $1
		  AND m.sender_type = 'customer'
		  AND NOT EXISTS (
			SELECT 1 FROM message_read_receipts rr
			WHERE rr.message_id = m.id AND rr.reader_id = $2
		  )
	`

	var count int
	if err := database.Conn(ctx, r.pool).QueryRow(ctx, query, conversationID, readerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}
