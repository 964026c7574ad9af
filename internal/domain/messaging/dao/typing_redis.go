package dao

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/vadim/neo-crm/internal/domain/messaging/entity"
)

const typingKeyPrefix = "typing:conversation:"

// TypingRedis keeps who is typing in a conversation as a sorted set scored by expiry.
// Entries expire on their own; losing the set loses nothing durable.
type TypingRedis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTypingRedis creates a typing presence store
func NewTypingRedis(client *redis.Client, ttl time.Duration) *TypingRedis {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &TypingRedis{client: client, ttl: ttl}
}

// Touch marks userID as typing until now+ttl
func (r *TypingRedis) Touch(ctx context.Context, conversationID, userID string, now time.Time) error {
	key := typingKeyPrefix + conversationID
	expires := now.Add(r.ttl)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expires.UnixMilli()), Member: userID})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.PExpire(ctx, key, 2*r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touching typing presence: %w", err)
	}

	return nil
}

// Active returns the users whose typing marker has not expired
func (r *TypingRedis) Active(ctx context.Context, conversationID string, now time.Time) ([]entity.Typist, error) {
	key := typingKeyPrefix + conversationID

	entries, err := r.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading typing presence: %w", err)
	}

	typists := make([]entity.Typist, 0, len(entries))
	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		typists = append(typists, entity.Typist{
			UserID:    member,
			ExpiresAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}

	return typists, nil
}
