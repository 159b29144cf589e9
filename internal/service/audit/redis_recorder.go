package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a transaction's history survives in Redis.
const DefaultTTL = 7 * 24 * time.Hour

// RedisRecorder stores each transaction's history as a capped Redis list so
// several relay processes can share one audit trail.
type RedisRecorder struct {
	client *redis.Client
	prefix string
	limit  int
	ttl    time.Duration
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("audit: redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisRecorder wraps an existing client.
func NewRedisRecorder(client *redis.Client, limit int, ttl time.Duration) *RedisRecorder {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRecorder{
		client: client,
		prefix: "paywatch:audit:",
		limit:  limit,
		ttl:    ttl,
	}
}

func (r *RedisRecorder) key(transactionID string) string {
	return r.prefix + transactionID
}

// Record appends the entry, trims the list and refreshes its expiry in one
// transaction pipeline.
func (r *RedisRecorder) Record(ctx context.Context, entry Entry) error {
	if entry.TransactionID == "" {
		return fmt.Errorf("audit: missing transaction id")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal: %w", err)
	}

	key := r.key(entry.TransactionID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.limit), -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("audit: redis write failed: %w", err)
	}
	return nil
}

// History reads the whole list, oldest first.
func (r *RedisRecorder) History(ctx context.Context, transactionID string) ([]Entry, error) {
	raw, err := r.client.LRange(ctx, r.key(transactionID), 0, -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: redis read failed: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("audit: failed to unmarshal: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
