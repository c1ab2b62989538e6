package hybrid

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// Invalidator is implemented by caches that can drop a session, so a failed
// cache write never leaves a truncated history behind.
type Invalidator interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// HybridStore writes through to a durable store and a cache, and reads from
// the cache first. Cache failures are logged, never returned. A cache miss
// on History backfills the whole durable history, so a session must be read
// before it is appended to; the conversation loop always does.
type HybridStore struct {
	durable session.Store
	cache   session.Store
	log     logrus.FieldLogger
}

type Option func(*HybridStore)

func WithLogger(log logrus.FieldLogger) Option {
	return func(h *HybridStore) {
		if log != nil {
			h.log = log
		}
	}
}

func New(durable session.Store, cache session.Store, opts ...Option) (*HybridStore, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	h := &HybridStore{
		durable: durable,
		cache:   cache,
		log:     logrus.StandardLogger().WithField("component", "session.hybrid"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *HybridStore) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if err := h.durable.Append(ctx, sessionID, msgs...); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.Append(ctx, sessionID, msgs...); err != nil {
			h.log.WithError(err).WithField("session_id", sessionID).Warn("cache append failed")
			h.invalidate(ctx, sessionID)
		}
	}
	return nil
}

func (h *HybridStore) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	if h.cache != nil {
		msgs, err := h.cache.History(ctx, sessionID)
		if err == nil && len(msgs) > 0 {
			return msgs, nil
		}
		if err != nil {
			h.log.WithError(err).WithField("session_id", sessionID).Warn("cache history failed")
		}
	}

	msgs, err := h.durable.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if h.cache != nil && len(msgs) > 0 {
		if err := h.cache.Append(ctx, sessionID, msgs...); err != nil {
			h.log.WithError(err).WithField("session_id", sessionID).Warn("cache backfill failed")
			h.invalidate(ctx, sessionID)
		}
	}
	return msgs, nil
}

func (h *HybridStore) ListSessions(ctx context.Context, query session.ListSessionsQuery) ([]session.Info, error) {
	return h.durable.ListSessions(ctx, query)
}

func (h *HybridStore) SaveTurn(ctx context.Context, turn session.TurnRecord) error {
	if err := h.durable.SaveTurn(ctx, turn); err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SaveTurn(ctx, turn); err != nil {
			h.log.WithError(err).WithField("turn_id", turn.TurnID).Warn("cache save turn failed")
		}
	}
	return nil
}

func (h *HybridStore) LoadTurn(ctx context.Context, turnID string) (session.TurnRecord, error) {
	if h.cache != nil {
		turn, err := h.cache.LoadTurn(ctx, turnID)
		if err == nil {
			return turn, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			h.log.WithError(err).WithField("turn_id", turnID).Warn("cache load turn failed")
		}
	}

	turn, err := h.durable.LoadTurn(ctx, turnID)
	if err != nil {
		return session.TurnRecord{}, err
	}
	if h.cache != nil {
		if err := h.cache.SaveTurn(ctx, turn); err != nil {
			h.log.WithError(err).WithField("turn_id", turnID).Warn("cache backfill turn failed")
		}
	}
	return turn, nil
}

func (h *HybridStore) ListTurns(ctx context.Context, query session.ListTurnsQuery) ([]session.TurnRecord, error) {
	return h.durable.ListTurns(ctx, query)
}

func (h *HybridStore) Close() error {
	var firstErr error
	if h.cache != nil {
		if err := h.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if h.durable != nil {
		if err := h.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *HybridStore) invalidate(ctx context.Context, sessionID string) {
	inv, ok := h.cache.(Invalidator)
	if !ok {
		return
	}
	if err := inv.DeleteSession(ctx, sessionID); err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Warn("cache invalidation failed")
	}
}
