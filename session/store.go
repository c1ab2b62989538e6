// Package session keeps conversation history keyed by session id, plus an
// audit record per turn.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

var ErrNotFound = errors.New("session: not found")

const (
	TurnRunning   = "running"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
)

// Store is the session-keyed history consumed by the conversation loop.
// History of an unknown session is empty, not an error. Append keeps the
// order of msgs and of successive calls for one session.
type Store interface {
	Append(ctx context.Context, sessionID string, msgs ...types.Message) error
	History(ctx context.Context, sessionID string) ([]types.Message, error)
	ListSessions(ctx context.Context, query ListSessionsQuery) ([]Info, error)

	SaveTurn(ctx context.Context, turn TurnRecord) error
	LoadTurn(ctx context.Context, turnID string) (TurnRecord, error)
	ListTurns(ctx context.Context, query ListTurnsQuery) ([]TurnRecord, error)

	Close() error
}

type ListSessionsQuery struct {
	Limit  int
	Offset int
}

type ListTurnsQuery struct {
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// Info summarizes one stored session.
type Info struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type TurnRecord struct {
	TurnID            string       `json:"turnId"`
	SessionID         string       `json:"sessionId"`
	Provider          string       `json:"provider"`
	Status            string       `json:"status"`
	Input             string       `json:"input"`
	Output            string       `json:"output"`
	Usage             *types.Usage `json:"usage,omitempty"`
	Iterations        int          `json:"iterations,omitempty"`
	DegenerateRetries int          `json:"degenerateRetries,omitempty"`
	Error             string       `json:"error,omitempty"`
	CreatedAt         *time.Time   `json:"createdAt,omitempty"`
	UpdatedAt         *time.Time   `json:"updatedAt,omitempty"`
	CompletedAt       *time.Time   `json:"completedAt,omitempty"`
}

// NewID returns a fresh session identity. Resetting a conversation means
// switching to a new id; the old history stays in the store.
func NewID() string {
	return uuid.NewString()
}
