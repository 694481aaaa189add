package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink_AppendsJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSink(client, "")
	defer s.Close(context.Background())

	require.NoError(t, s.Log(context.Background(), sampleRecord("a")))
	require.NoError(t, s.Log(context.Background(), sampleRecord("b")))

	items, err := mr.List("audit:records")
	require.NoError(t, err)
	require.Len(t, items, 2)

	var got Record
	require.NoError(t, json.Unmarshal([]byte(items[1]), &got))
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, "ROLE_DELETE", got.Action)
	assert.Equal(t, float64(5), got.ResourceID)
	assert.Equal(t, "dispatcher", got.OldValues["name"])
}

func TestRedisSink_ErrorSurfacesToBridge(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisSink(client, "audit:wo")
	mr.Close()

	err := s.Log(context.Background(), sampleRecord("a"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push audit record")

	logger, logs := observedLogger()
	NewBridge(s, testRegistry(t), logger, nil).
		LogEntityAudit(context.Background(), "delete", "role", map[string]any{"id": int64(5)}, &Context{})
	assert.Equal(t, 1, logs.FilterMessage("audit sink failed").Len())
}
