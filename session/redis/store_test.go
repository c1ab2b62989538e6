package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/qoe-assistant/session/sessiontest"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

func newTestRedisStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "qoe-test-" + uuid.NewString()

	s, err := New(addr, WithPrefix(prefix), WithTTL(5*time.Minute))
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := s.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = s.client.Del(ctx, keys...).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore(t *testing.T) {
	sessiontest.Run(t, newTestRedisStore(t))
}

func TestRedisStore_TTLAndDelete(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, "sess-ttl", types.Message{Role: types.RoleUser, Content: "oi"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	ttl, err := s.client.TTL(ctx, s.messagesKey("sess-ttl")).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 5*time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	if err := s.DeleteSession(ctx, "sess-ttl"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	msgs, err := s.History(ctx, "sess-ttl")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty history after delete, got %d (%v)", len(msgs), err)
	}
}

func TestNew_RequiresAddr(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
