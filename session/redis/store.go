package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

const (
	defaultTTL    = 72 * time.Hour
	defaultLimit  = 50
	defaultPrefix = "qoe"
)

// Store keeps each session history in a redis list and indexes sessions and
// turns in sorted sets scored by last update. Every key expires after ttl of
// inactivity.
type Store struct {
	client   *goredis.Client
	ttl      time.Duration
	prefix   string
	addr     string
	db       int
	password string
}

type Option func(*Store)

func WithPassword(password string) Option {
	return func(s *Store) {
		s.password = password
	}
}

func WithDB(db int) Option {
	return func(s *Store) {
		s.db = db
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if strings.TrimSpace(prefix) != "" {
			s.prefix = strings.TrimSpace(prefix)
		}
	}
}

func WithClient(client *goredis.Client) Option {
	return func(s *Store) {
		if client != nil {
			s.client = client
		}
	}
}

func New(addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	s := &Store{
		ttl:    defaultTTL,
		prefix: defaultPrefix,
		addr:   addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{
			Addr:     s.addr,
			Password: s.password,
			DB:       s.db,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Store) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	payloads := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		payloads = append(payloads, string(raw))
	}

	now := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.messagesKey(sessionID), payloads...)
	pipe.Expire(ctx, s.messagesKey(sessionID), s.ttl)
	pipe.HSetNX(ctx, s.metaKey(sessionID), "created_at", now.Format(time.RFC3339Nano))
	pipe.Expire(ctx, s.metaKey(sessionID), s.ttl)
	pipe.ZAdd(ctx, s.sessionsKey(), goredis.Z{Score: float64(now.UnixMilli()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append messages in redis: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	values, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history from redis: %w", err)
	}
	out := make([]types.Message, 0, len(values))
	for _, raw := range values {
		var msg types.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message from redis: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// DeleteSession drops the cached history of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.messagesKey(sessionID), s.metaKey(sessionID))
	pipe.ZRem(ctx, s.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, query session.ListSessionsQuery) ([]session.Info, error) {
	limit, offset := normalizePage(query.Limit, query.Offset)
	entries, err := s.client.ZRevRangeWithScores(ctx, s.sessionsKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(entries) == 0 {
		return []session.Info{}, nil
	}

	pipe := s.client.Pipeline()
	lens := make([]*goredis.IntCmd, len(entries))
	created := make([]*goredis.StringCmd, len(entries))
	for i, entry := range entries {
		id := fmt.Sprintf("%v", entry.Member)
		lens[i] = pipe.LLen(ctx, s.messagesKey(id))
		created[i] = pipe.HGet(ctx, s.metaKey(id), "created_at")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to load session metadata: %w", err)
	}

	out := make([]session.Info, 0, len(entries))
	stale := make([]any, 0)
	for i, entry := range entries {
		id := fmt.Sprintf("%v", entry.Member)
		n := lens[i].Val()
		if n == 0 {
			stale = append(stale, id)
			continue
		}
		info := session.Info{
			ID:        id,
			Messages:  int(n),
			UpdatedAt: time.UnixMilli(int64(entry.Score)).UTC(),
		}
		if raw, err := created[i].Result(); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				info.CreatedAt = t.UTC()
			}
		}
		out = append(out, info)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.sessionsKey(), stale...).Err()
	}
	return out, nil
}

func (s *Store) SaveTurn(ctx context.Context, turn session.TurnRecord) error {
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}

	raw, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	member := goredis.Z{Score: float64(turn.CreatedAt.UnixMilli()), Member: turn.TurnID}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.turnKey(turn.TurnID), string(raw), s.ttl)
	pipe.ZAdd(ctx, s.turnIndexKey(turn.SessionID), member)
	pipe.Expire(ctx, s.turnIndexKey(turn.SessionID), s.ttl)
	pipe.ZAdd(ctx, s.turnIndexKey(""), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save turn in redis: %w", err)
	}
	return nil
}

func (s *Store) LoadTurn(ctx context.Context, turnID string) (session.TurnRecord, error) {
	if turnID == "" {
		return session.TurnRecord{}, fmt.Errorf("turn_id is required")
	}
	raw, err := s.client.Get(ctx, s.turnKey(turnID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return session.TurnRecord{}, session.ErrNotFound
		}
		return session.TurnRecord{}, fmt.Errorf("failed to load turn from redis: %w", err)
	}
	var turn session.TurnRecord
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return session.TurnRecord{}, fmt.Errorf("failed to decode turn from redis: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, query session.ListTurnsQuery) ([]session.TurnRecord, error) {
	limit, offset := normalizePage(query.Limit, query.Offset)
	index := s.turnIndexKey(query.SessionID)
	ids, err := s.client.ZRevRange(ctx, index, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list turn ids: %w", err)
	}
	if len(ids) == 0 {
		return []session.TurnRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.turnKey(id)
	}
	loaded, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget turns from redis: %w", err)
	}

	out := make([]session.TurnRecord, 0, len(loaded))
	stale := make([]any, 0)
	for i, raw := range loaded {
		if raw == nil {
			stale = append(stale, ids[i])
			continue
		}
		var turn session.TurnRecord
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &turn); err != nil {
			continue
		}
		if query.Status != "" && turn.Status != query.Status {
			continue
		}
		out = append(out, turn)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, index, stale...).Err()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(*out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) messagesKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:messages", s.prefix, sessionID)
}

func (s *Store) metaKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:meta", s.prefix, sessionID)
}

func (s *Store) sessionsKey() string {
	return fmt.Sprintf("%s:sessions", s.prefix)
}

func (s *Store) turnKey(turnID string) string {
	return fmt.Sprintf("%s:turn:%s", s.prefix, turnID)
}

// turnIndexKey is the per-session turn index, or the global one for an
// empty session id.
func (s *Store) turnIndexKey(sessionID string) string {
	if sessionID == "" {
		return fmt.Sprintf("%s:turnidx:all", s.prefix)
	}
	return fmt.Sprintf("%s:turnidx:session:%s", s.prefix, sessionID)
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
