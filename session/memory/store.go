package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

const defaultLimit = 50

// Store keeps sessions in process memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	turns    map[string]session.TurnRecord
}

type entry struct {
	messages  []types.Message
	createdAt time.Time
	updatedAt time.Time
}

func New() *Store {
	return &Store{
		sessions: map[string]*entry{},
		turns:    map[string]session.TurnRecord{},
	}
}

func (s *Store) Append(_ context.Context, sessionID string, msgs ...types.Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		e = &entry{createdAt: now}
		s.sessions[sessionID] = e
	}
	e.messages = append(e.messages, cloneMessages(msgs)...)
	e.updatedAt = now
	return nil
}

func (s *Store) History(_ context.Context, sessionID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return []types.Message{}, nil
	}
	return cloneMessages(e.messages), nil
}

func (s *Store) ListSessions(_ context.Context, query session.ListSessionsQuery) ([]session.Info, error) {
	s.mu.RLock()
	out := make([]session.Info, 0, len(s.sessions))
	for id, e := range s.sessions {
		out = append(out, session.Info{ID: id, Messages: len(e.messages), CreatedAt: e.createdAt, UpdatedAt: e.updatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, query.Offset, query.Limit), nil
}

func (s *Store) SaveTurn(_ context.Context, turn session.TurnRecord) error {
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.TurnID] = turn
	return nil
}

func (s *Store) LoadTurn(_ context.Context, turnID string) (session.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turn, ok := s.turns[turnID]
	if !ok {
		return session.TurnRecord{}, session.ErrNotFound
	}
	return turn, nil
}

func (s *Store) ListTurns(_ context.Context, query session.ListTurnsQuery) ([]session.TurnRecord, error) {
	s.mu.RLock()
	out := make([]session.TurnRecord, 0, len(s.turns))
	for _, turn := range s.turns {
		if query.SessionID != "" && turn.SessionID != query.SessionID {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(*out[j].CreatedAt) })
	return page(out, query.Offset, query.Limit), nil
}

func (s *Store) Close() error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func cloneMessages(in []types.Message) []types.Message {
	out := make([]types.Message, len(in))
	for i, m := range in {
		m.ToolCalls = append([]types.ToolCall(nil), m.ToolCalls...)
		out[i] = m
	}
	return out
}
