package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
	"github.com/vadim/neo-crm/internal/domain/messaging/gateway"
	"github.com/vadim/neo-crm/internal/events"
	"github.com/vadim/neo-crm/internal/httpx/upstream/twilio"
)

// memStore backs every repository fake. Each call is atomic under mu, like a
// single SQL statement.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]*entity.Conversation
	msgs     map[string]*entity.Message
	legacy   map[string]entity.LegacyMessage
	receipts map[string]map[string]time.Time

	// locks records conversation ids passed to Lock, in order
	locks []string

	// legacyFailures makes the next n legacy upserts fail
	legacyFailures int
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]*entity.Conversation{},
		msgs:     map[string]*entity.Message{},
		legacy:   map[string]entity.LegacyMessage{},
		receipts: map[string]map[string]time.Time{},
	}
}

func (s *memStore) conversation(id string) entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.convs[id]
}

func (s *memStore) message(id string) entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.msgs[id]
}

func (s *memStore) messages() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, *m)
	}
	return out
}

func (s *memStore) legacyRecord(id string) (entity.LegacyMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legacy[id]
	return l, ok
}

func (s *memStore) counts() (convs, msgs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs), len(s.msgs)
}

func (s *memStore) failLegacy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyFailures = n
}

// memTx serializes transactions. Nested calls join the outer one.
type memTx struct {
	mu sync.Mutex
}

type memTxKey struct{}

func (m *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, true))
}

type convRepo struct{ s *memStore }

func (r convRepo) Create(ctx context.Context, conv *entity.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.convs {
		if c.Channel == conv.Channel && c.Phone == conv.Phone {
			return entity.ErrAlreadyExists
		}
	}
	cp := *conv
	r.s.convs[conv.ID] = &cp
	return nil
}

func (r convRepo) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r convRepo) GetByAddress(ctx context.Context, channel entity.Channel, phone string) (*entity.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.convs {
		if c.Channel == channel && c.Phone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r convRepo) ApplyMessage(ctx context.Context, id, snippet string, at time.Time, inbound bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	c.MessageCount++
	if inbound {
		c.UnreadCount++
		c.Status = entity.ConversationActive
	}
	if c.LastMessageAt == nil || !at.Before(*c.LastMessageAt) {
		t := at
		c.LastMessage = snippet
		c.LastMessageAt = &t
	}
	return nil
}

func (r convRepo) DecrementUnread(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return entity.ErrConversationNotFound
	}
	if c.UnreadCount > 0 {
		c.UnreadCount--
	}
	return nil
}

func (r convRepo) Lock(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.locks = append(r.s.locks, id)
	if _, ok := r.s.convs[id]; !ok {
		return entity.ErrConversationNotFound
	}
	return nil
}

func (r convRepo) RecomputeUnread(ctx context.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return 0, entity.ErrConversationNotFound
	}
	unread := 0
	for _, m := range r.s.msgs {
		if m.ConversationID == id && m.IsInbound() && len(r.s.receipts[m.ID]) == 0 {
			unread++
		}
	}
	c.UnreadCount = unread
	return unread, nil
}

func (r convRepo) Update(ctx context.Context, id string, upd entity.ConversationUpdate) (*entity.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.convs[id]
	if !ok {
		return nil, nil
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Tags != nil {
		c.Tags = slices.Clone(*upd.Tags)
	}
	if upd.Notes != nil {
		c.Notes = *upd.Notes
	}
	if upd.CustomerName != nil {
		c.CustomerName = *upd.CustomerName
	}
	if upd.LeadID != nil {
		c.LeadID = *upd.LeadID
	}
	cp := *c
	return &cp, nil
}

func (r convRepo) filtered(filter entity.ConversationFilter) []entity.Conversation {
	var out []entity.Conversation
	for _, c := range r.s.convs {
		if filter.Channel != "" && c.Channel != filter.Channel {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.UnreadOnly && c.UnreadCount == 0 {
			continue
		}
		if filter.Query != "" && !strings.Contains(c.Phone+" "+c.CustomerName+" "+c.LastMessage, filter.Query) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if filter.Sort == entity.SortUnreadFirst && out[i].UnreadCount != out[j].UnreadCount {
			return out[i].UnreadCount > out[j].UnreadCount
		}
		if filter.Sort == entity.SortOldest {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r convRepo) List(ctx context.Context, filter entity.ConversationFilter) ([]entity.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.filtered(filter)
	if filter.Offset >= len(all) {
		return []entity.Conversation{}, nil
	}
	end := min(filter.Offset+filter.Limit, len(all))
	return all[filter.Offset:end], nil
}

func (r convRepo) Count(ctx context.Context, filter entity.ConversationFilter) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.filtered(filter))), nil
}

type msgRepo struct{ s *memStore }

func (r msgRepo) Insert(ctx context.Context, msg *entity.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.msgs[msg.ID]; ok {
		return entity.ErrAlreadyExists
	}
	if msg.ProviderID != "" {
		for _, m := range r.s.msgs {
			if m.ProviderID == msg.ProviderID {
				return entity.ErrAlreadyExists
			}
		}
	}
	cp := *msg
	cp.MediaURLs = slices.Clone(msg.MediaURLs)
	r.s.msgs[msg.ID] = &cp
	return nil
}

func (r msgRepo) get(id string) (*entity.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r msgRepo) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	return r.get(id)
}

func (r msgRepo) GetByIDForUpdate(ctx context.Context, id string) (*entity.Message, error) {
	return r.get(id)
}

func (r msgRepo) byProvider(providerID string) (*entity.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.msgs {
		if m.ProviderID == providerID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r msgRepo) GetByProviderID(ctx context.Context, providerID string) (*entity.Message, error) {
	return r.byProvider(providerID)
}

func (r msgRepo) GetByProviderIDForUpdate(ctx context.Context, providerID string) (*entity.Message, error) {
	return r.byProvider(providerID)
}

func (r msgRepo) SetProviderID(ctx context.Context, id, providerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[id]
	if !ok {
		return entity.ErrMessageNotFound
	}
	if m.ProviderID != "" && m.ProviderID != providerID {
		return entity.ErrProviderIDConflict
	}
	for _, other := range r.s.msgs {
		if other.ID != id && other.ProviderID == providerID {
			return entity.ErrProviderIDConflict
		}
	}
	m.ProviderID = providerID
	return nil
}

func (r msgRepo) UpdateDelivery(ctx context.Context, msg *entity.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[msg.ID]
	if !ok {
		return entity.ErrMessageNotFound
	}
	m.Status = msg.Status
	m.ErrorCode = msg.ErrorCode
	m.ErrorMessage = msg.ErrorMessage
	m.DeliveredAt = msg.DeliveredAt
	m.ReadAt = msg.ReadAt
	m.UpdatedAt = msg.UpdatedAt
	return nil
}

func (r msgRepo) MarkConversationRead(ctx context.Context, conversationID string, at time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID && m.IsInbound() && m.Status == entity.StatusReceived {
			t := at
			m.Status = entity.StatusRead
			m.ReadAt = &t
			m.UpdatedAt = at
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (r msgRepo) GetByConversationID(ctx context.Context, conversationID string, order entity.SortOrder, limit, offset int) ([]entity.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.Message
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if order == entity.SortDesc {
			return out[i].SentAt.After(out[j].SentAt)
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	if offset >= len(out) {
		return []entity.Message{}, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (r msgRepo) Count(ctx context.Context, conversationID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.msgs {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (r msgRepo) GetStalePending(ctx context.Context, before time.Time, limit int) ([]entity.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.Message
	for _, m := range r.s.msgs {
		if m.Status == entity.StatusPending && m.CreatedAt.Before(before) && len(out) < limit {
			out = append(out, *m)
		}
	}
	return out, nil
}

type legacyRepo struct{ s *memStore }

func (r legacyRepo) Upsert(ctx context.Context, msg entity.LegacyMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.legacyFailures > 0 {
		r.s.legacyFailures--
		return errors.New("legacy table unavailable")
	}
	existing, ok := r.s.legacy[msg.ID]
	if !ok {
		r.s.legacy[msg.ID] = msg
		return nil
	}
	existing.Status = msg.Status
	if existing.ProviderID == "" {
		existing.ProviderID = msg.ProviderID
	}
	existing.ErrorCode = msg.ErrorCode
	existing.ErrorMessage = msg.ErrorMessage
	existing.DeliveredAt = msg.DeliveredAt
	existing.UpdatedAt = msg.UpdatedAt
	r.s.legacy[msg.ID] = existing
	return nil
}

func (r legacyRepo) GetByID(ctx context.Context, id string) (*entity.LegacyMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.legacy[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (r legacyRepo) GetByChannel(ctx context.Context, channel entity.Channel, limit, offset int) ([]entity.LegacyMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.LegacyMessage
	for _, l := range r.s.legacy {
		if l.Channel == channel {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if offset >= len(out) {
		return []entity.LegacyMessage{}, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (r legacyRepo) CountByChannel(ctx context.Context, channel entity.Channel) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, l := range r.s.legacy {
		if l.Channel == channel {
			n++
		}
	}
	return n, nil
}

func (r legacyRepo) GetDivergentIDs(ctx context.Context, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []string
	for id, m := range r.s.msgs {
		l, ok := r.s.legacy[id]
		if (!ok || !l.ConsistentWith(m)) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type receiptRepo struct{ s *memStore }

func (r receiptRepo) Insert(ctx context.Context, receipt entity.ReadReceipt) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	readers := r.s.receipts[receipt.MessageID]
	if readers == nil {
		readers = map[string]time.Time{}
		r.s.receipts[receipt.MessageID] = readers
	}
	if _, ok := readers[receipt.ReaderID]; ok {
		return false, nil
	}
	readers[receipt.ReaderID] = receipt.ReadAt
	return true, nil
}

func (r receiptRepo) CountForMessage(ctx context.Context, messageID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.receipts[messageID]), nil
}

func (r receiptRepo) InsertForConversation(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, m := range r.s.msgs {
		if m.ConversationID != conversationID || !m.IsInbound() {
			continue
		}
		readers := r.s.receipts[m.ID]
		if readers == nil {
			readers = map[string]time.Time{}
			r.s.receipts[m.ID] = readers
		}
		if _, ok := readers[readerID]; !ok {
			readers[readerID] = at
			n++
		}
	}
	return n, nil
}

func (r receiptRepo) UnreadCountFor(ctx context.Context, conversationID, readerID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, m := range r.s.msgs {
		if m.ConversationID != conversationID || !m.IsInbound() {
			continue
		}
		if _, ok := r.s.receipts[m.ID][readerID]; !ok {
			n++
		}
	}
	return n, nil
}

type memTyping struct {
	mu      sync.Mutex
	typists map[string]map[string]time.Time
	ttl     time.Duration
}

func (m *memTyping) Touch(ctx context.Context, conversationID, userID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.typists[conversationID] == nil {
		m.typists[conversationID] = map[string]time.Time{}
	}
	m.typists[conversationID][userID] = now.Add(m.ttl)
	return nil
}

func (m *memTyping) Active(ctx context.Context, conversationID string, now time.Time) ([]entity.Typist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Typist
	for user, exp := range m.typists[conversationID] {
		if exp.After(now) {
			out = append(out, entity.Typist{UserID: user, ExpiresAt: exp})
		}
	}
	return out, nil
}

// fakeProvider stands in for the provider's HTTP API behind the real gateway
type fakeProvider struct {
	calls atomic.Int64
	seq   atomic.Int64
	send  func(ctx context.Context, in twilio.CreateMessageInput) (*twilio.MessageResource, error)
}

func (f *fakeProvider) CreateMessage(ctx context.Context, in twilio.CreateMessageInput) (*twilio.MessageResource, error) {
	f.calls.Add(1)
	if f.send != nil {
		return f.send(ctx, in)
	}
	n := f.seq.Add(1)
	return &twilio.MessageResource{SID: fmt.Sprintf("SM%04d", n), Status: "queued"}, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, msg events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, msg.Meta.Type)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	svc      *Service
	store    *memStore
	provider *fakeProvider
	events   *recordingPublisher
}

func newHarness(t *testing.T, gwCfg gateway.Config) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	provider := &fakeProvider{}
	pub := &recordingPublisher{}

	if gwCfg.DefaultCountryCode == "" {
		gwCfg.DefaultCountryCode = "1"
	}

	svc := New(Deps{
		Tx:            &memTx{},
		Gateway:       gateway.New(provider, gwCfg, logger),
		Conversations: convRepo{store},
		Messages:      msgRepo{store},
		Legacy:        legacyRepo{store},
		Receipts:      receiptRepo{store},
		Typing:        &memTyping{typists: map[string]map[string]time.Time{}, ttl: 5 * time.Second},
		Events:        pub,
	}, Config{
		LegacyWriteAttempts: 3,
		LegacyRetryDelay:    time.Millisecond,
		PendingTimeout:      time.Minute,
	}, logger)

	return &harness{svc: svc, store: store, provider: provider, events: pub}
}

func smsOnly() gateway.Config {
	return gateway.Config{SMSFrom: "+15550000000"}
}

func bothChannels() gateway.Config {
	return gateway.Config{SMSFrom: "+15550000000", WhatsAppFrom: "+15550000001"}
}
