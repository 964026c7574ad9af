package dao

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-crm/internal/database"
	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

// These tests need a disposable database:
//
//	DATABASE_URL=postgres://localhost/neo_crm_test go test ./internal/domain/messaging/dao/

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, database.PoolConfig{MaxConns: 10, MinConns: 1})
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return pool
}

func testPhone() string {
	return fmt.Sprintf("+1555%07d", time.Now().UnixNano()%10_000_000)
}

func newConversation(phone string) *entity.Conversation {
	now := time.Now().UTC()
	return &entity.Conversation{
		ID:        uuid.New().String(),
		Channel:   entity.ChannelSMS,
		Phone:     phone,
		Status:    entity.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newInbound(convID, providerID string) *entity.Message {
	now := time.Now().UTC()
	return &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Channel:        entity.ChannelSMS,
		SenderType:     entity.SenderCustomer,
		FromAddress:    "+15551230000",
		ToAddress:      "+15550000000",
		Body:           "Hi",
		Status:         entity.StatusReceived,
		ProviderID:     providerID,
		SentAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestConversationCreate_UniqueAddress(t *testing.T) {
	pool := testPool(t)
	repo := NewConversationPostgres(pool)
	ctx := context.Background()
	phone := testPhone()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.Create(ctx, newConversation(phone))
			switch {
			case err == nil:
				mu.Lock()
				created++
				mu.Unlock()
			case !errors.Is(err, entity.ErrAlreadyExists):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", created)
	}

	conv, err := repo.GetByAddress(ctx, entity.ChannelSMS, phone)
	if err != nil || conv == nil {
		t.Fatalf("expected conversation, got %v / %v", conv, err)
	}

	missing, err := repo.GetByAddress(ctx, entity.ChannelWhatsApp, phone)
	if err != nil || missing != nil {
		t.Errorf("whatsapp lookup: expected nil, nil; got %v, %v", missing, err)
	}
}

func TestConversationApplyMessage_ConcurrentIncrements(t *testing.T) {
	pool := testPool(t)
	repo := NewConversationPostgres(pool)
	ctx := context.Background()

	conv := newConversation(testPhone())
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Millisecond)
			if err := repo.ApplyMessage(ctx, conv.ID, fmt.Sprintf("m%d", i), at, i%2 == 0); err != nil {
				t.Errorf("apply %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := repo.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MessageCount != 20 || got.UnreadCount != 10 {
		t.Errorf("expected 20/10, got %d/%d", got.MessageCount, got.UnreadCount)
	}
	if got.LastMessage != "m19" {
		t.Errorf("expected newest snapshot m19, got %q", got.LastMessage)
	}

	// an older message does not regress the snapshot
	if err := repo.ApplyMessage(ctx, conv.ID, "late", base.Add(-time.Hour), false); err != nil {
		t.Fatalf("apply late: %v", err)
	}
	got, _ = repo.GetByID(ctx, conv.ID)
	if got.LastMessage != "m19" {
		t.Errorf("late message regressed snapshot to %q", got.LastMessage)
	}

	if err := repo.ApplyMessage(ctx, uuid.New().String(), "x", base, true); !errors.Is(err, entity.ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestMessageInsert_DuplicateProviderID(t *testing.T) {
	pool := testPool(t)
	convs := NewConversationPostgres(pool)
	msgs := NewMessagePostgres(pool)
	ctx := context.Background()

	conv := newConversation(testPhone())
	if err := convs.Create(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	sid := "SM" + uuid.New().String()
	if err := msgs.Insert(ctx, newInbound(conv.ID, sid)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := msgs.Insert(ctx, newInbound(conv.ID, sid)); !errors.Is(err, entity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	found, err := msgs.GetByProviderID(ctx, sid)
	if err != nil || found == nil {
		t.Fatalf("correlate: %v / %v", found, err)
	}

	if err := msgs.SetProviderID(ctx, found.ID, "SMother"); !errors.Is(err, entity.ErrProviderIDConflict) {
		t.Errorf("expected ErrProviderIDConflict, got %v", err)
	}
	if err := msgs.SetProviderID(ctx, found.ID, sid); err != nil {
		t.Errorf("reassigning the same id: %v", err)
	}
}

func TestReceipts_OnePerReader(t *testing.T) {
	pool := testPool(t)
	convs := NewConversationPostgres(pool)
	msgs := NewMessagePostgres(pool)
	receipts := NewReceiptPostgres(pool)
	ctx := context.Background()

	conv := newConversation(testPhone())
	if err := convs.Create(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := newInbound(conv.ID, "SM"+uuid.New().String())
	if err := msgs.Insert(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	receipt := entity.ReadReceipt{MessageID: msg.ID, ReaderID: "agent-1", ReadAt: time.Now().UTC()}
	first, err := receipts.Insert(ctx, receipt)
	if err != nil || !first {
		t.Fatalf("first receipt: %v, %v", first, err)
	}
	again, err := receipts.Insert(ctx, receipt)
	if err != nil || again {
		t.Fatalf("repeat receipt: expected false, got %v, %v", again, err)
	}

	unread, err := receipts.UnreadCountFor(ctx, conv.ID, "agent-1")
	if err != nil || unread != 0 {
		t.Errorf("agent-1 unread: %d, %v", unread, err)
	}
	unread, err = receipts.UnreadCountFor(ctx, conv.ID, "agent-2")
	if err != nil || unread != 1 {
		t.Errorf("agent-2 unread: %d, %v", unread, err)
	}
}

// An inbound append commits while a mark-all-read transaction is waiting on the
// conversation; the stored counter must still match the ledger afterwards.
func TestMarkAllRead_InterleavedWithInboundAppend(t *testing.T) {
	pool := testPool(t)
	tx := database.NewTxManager(pool)
	convs := NewConversationPostgres(pool)
	msgs := NewMessagePostgres(pool)
	receipts := NewReceiptPostgres(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv := newConversation(testPhone())
	if err := convs.Create(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	applied := make(chan struct{})
	release := make(chan struct{})
	appendDone := make(chan error, 1)
	go func() {
		appendDone <- tx.WithinTx(ctx, func(ctx context.Context) error {
			msg := newInbound(conv.ID, "SM"+uuid.New().String())
			if err := msgs.Insert(ctx, msg); err != nil {
				return err
			}
			if err := convs.ApplyMessage(ctx, conv.ID, msg.Body, msg.SentAt, true); err != nil {
				return err
			}
			close(applied)
			<-release
			return nil
		})
	}()

	select {
	case <-applied:
	case err := <-appendDone:
		t.Fatalf("append: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		readDone <- tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := convs.Lock(ctx, conv.ID); err != nil {
				return err
			}
			now := time.Now().UTC()
			if _, err := receipts.InsertForConversation(ctx, conv.ID, "agent-1", now); err != nil {
				return err
			}
			if _, err := msgs.MarkConversationRead(ctx, conv.ID, now); err != nil {
				return err
			}
			_, err := convs.RecomputeUnread(ctx, conv.ID)
			return err
		})
	}()

	// let the read transaction queue behind the append
	time.Sleep(200 * time.Millisecond)
	close(release)

	if err := <-appendDone; err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := <-readDone; err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	var actual int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM conversation_messages m
		WHERE m.conversation_id = $1 AND m.sender_type = 'customer'
		  AND NOT EXISTS (SELECT 1 FROM message_read_receipts rr WHERE rr.message_id = m.id)
	`, conv.ID).Scan(&actual)
	if err != nil {
		t.Fatalf("counting unread: %v", err)
	}

	got, err := convs.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UnreadCount != actual {
		t.Errorf("stored unread_count = %d, ledger has %d unread", got.UnreadCount, actual)
	}
	if got.MessageCount != 1 {
		t.Errorf("message_count = %d, want 1", got.MessageCount)
	}
}
