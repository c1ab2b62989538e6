package factory

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/qoe-assistant/session/hybrid"
	"github.com/PipeOpsHQ/qoe-assistant/session/memory"
)

func TestFromEnv_SQLite(t *testing.T) {
	t.Setenv("QOE_STATE_BACKEND", "sqlite")
	t.Setenv("QOE_SQLITE_PATH", filepath.Join(t.TempDir(), "state.db"))

	s, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv sqlite failed: %v", err)
	}
	if s == nil {
		t.Fatalf("expected sqlite store")
	}
	defer s.Close()
}

func TestFromConfig_Memory(t *testing.T) {
	s, err := FromConfig(context.Background(), Config{Backend: "memory"}, nil)
	if err != nil {
		t.Fatalf("FromConfig memory failed: %v", err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", s)
	}
}

func TestFromConfig_HybridFallsBackWhenRedisUnavailable(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := FromConfig(context.Background(), Config{
		Backend:    "hybrid",
		SQLitePath: filepath.Join(t.TempDir(), "state.db"),
		Redis:      RedisConfig{Addr: "127.0.0.1:1"},
	}, log)
	if err != nil {
		t.Fatalf("FromConfig hybrid failed unexpectedly: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*hybrid.HybridStore); !ok {
		t.Fatalf("expected hybrid store, got %T", s)
	}
}

func TestFromEnv_InvalidBackend(t *testing.T) {
	t.Setenv("QOE_STATE_BACKEND", "nope")
	if _, err := FromEnv(context.Background()); err == nil {
		t.Fatalf("expected error for invalid backend")
	}
}

func TestFromConfig_RedisUnavailable(t *testing.T) {
	s, err := FromConfig(context.Background(), Config{Backend: "redis", Redis: RedisConfig{Addr: "127.0.0.1:1"}}, nil)
	if err == nil {
		_ = s.Close()
		t.Fatalf("expected error for unreachable redis")
	}
	if s != nil {
		t.Fatalf("expected nil store on error, got %T", s)
	}
}
