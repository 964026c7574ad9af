package dao

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

const legacyColumns = `
	id, channel, direction, from_number, to_number, body, media_urls, status,
	COALESCE(provider_id, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
	COALESCE(lead_id, ''), COALESCE(user_id, ''), sent_at, delivered_at, created_at, updated_at`

// LegacyPostgres stores the flat sms_messages inbox table
type LegacyPostgres struct {
	pool *pgxpool.Pool
}

// NewLegacyPostgres creates a new flat inbox repository
func NewLegacyPostgres(pool *pgxpool.Pool) *LegacyPostgres {
	return &LegacyPostgres{pool: pool}
}

// Upsert writes the full flat record; repeating it is harmless
func (r *LegacyPostgres) Upsert(ctx context.Context, msg entity.LegacyMessage) error {
	query := `
		INSERT INTO sms_messages (
			id, channel, direction, from_number, to_number, body, media_urls, status,
			provider_id, error_code, error_message, lead_id, user_id,
			sent_at, delivered_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
			$14, $15, $16, $17
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_id = COALESCE(sms_messages.provider_id, EXCLUDED.provider_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			delivered_at = EXCLUDED.delivered_at,
			updated_at = EXCLUDED.updated_at
	`

	media := msg.MediaURLs
	if media == nil {
		media = []string{}
	}

	_, err := r.pool.Exec(ctx, query,
		msg.ID,
		msg.Channel,
		msg.Direction,
		msg.FromNumber,
		msg.ToNumber,
		msg.Body,
		media,
		msg.Status,
		msg.ProviderID,
		msg.ErrorCode,
		msg.ErrorMessage,
		msg.LeadID,
		msg.UserID,
		msg.SentAt,
		msg.DeliveredAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting legacy message: %w", err)
	}

	return nil
}

// GetByID retrieves a flat record by the shared message id
func (r *LegacyPostgres) GetByID(ctx context.Context, id string) (*entity.LegacyMessage, error) {
	query := `SELECT ` + legacyColumns + ` FROM sms_messages WHERE id = $1`
	return r.scanLegacy(r.pool.QueryRow(ctx, query, id))
}

// GetByChannel lists the flat inbox for a channel, newest first
func (r *LegacyPostgres) GetByChannel(ctx context.Context, channel entity.Channel, limit, offset int) ([]entity.LegacyMessage, error) {
	query := `SELECT ` + legacyColumns + `
		FROM sms_messages
		WHERE channel = $1
		ORDER BY sent_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, channel, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying legacy messages: %w", err)
	}
	defer rows.Close()

	messages := []entity.LegacyMessage{}
	for rows.Next() {
		msg, err := r.scanLegacy(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning legacy row: %w", err)
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// CountByChannel returns the size of a channel's flat inbox
func (r *LegacyPostgres) CountByChannel(ctx context.Context, channel entity.Channel) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sms_messages WHERE channel = $1", channel).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting legacy messages: %w", err)
	}
	return count, nil
}

// GetDivergentIDs returns ledger entries whose flat twin is missing or disagrees
func (r *LegacyPostgres) GetDivergentIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT m.id
		FROM conversation_messages m
		LEFT JOIN sms_messages l ON l.id = m.id
		WHERE l.id IS NULL
		   OR l.status <> m.status
		   OR l.provider_id IS DISTINCT FROM m.provider_id
		   OR l.error_code IS DISTINCT FROM m.error_code
		ORDER BY m.updated_at ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying divergent messages: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// scanLegacy scans a single flat record
func (r *LegacyPostgres) scanLegacy(row pgx.Row) (*entity.LegacyMessage, error) {
	var msg entity.LegacyMessage

	err := row.Scan(
		&msg.ID,
		&msg.Channel,
		&msg.Direction,
		&msg.FromNumber,
		&msg.ToNumber,
		&msg.Body,
		&msg.MediaURLs,
		&msg.Status,
		&msg.ProviderID,
		&msg.ErrorCode,
		&msg.ErrorMessage,
		&msg.LeadID,
		&msg.UserID,
		&msg.SentAt,
		&msg.DeliveredAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning legacy message: %w", err)
	}

	return &msg, nil
}
