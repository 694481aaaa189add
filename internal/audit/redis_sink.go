package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends JSON-encoded records to a Redis list for an external
// consumer to drain.
type RedisSink struct {
	client redis.UniversalClient
	key    string
}

func NewRedisSink(client redis.UniversalClient, key string) *RedisSink {
	if key == "" {
		key = "audit:records"
	}
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Log(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("push audit record: %w", err)
	}
	return nil
}

// Close closes the underlying client. Records are pushed synchronously, so
// there is nothing left to flush.
func (s *RedisSink) Close(context.Context) error {
	return s.client.Close()
}
