package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 50
)

type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Append writes msgs after the last stored message of the session in one
// transaction.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...types.Message) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsertSession = `
INSERT INTO sessions (session_id, created_at, updated_at) VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET updated_at=excluded.updated_at;
`
	if _, err := tx.ExecContext(ctx, upsertSession, sessionID, now, now); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE session_id = ?;`, sessionID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read message sequence: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (session_id, seq, role, payload, created_at) VALUES (?, ?, ?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()
	for i, msg := range msgs {
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, next+i, string(msg.Role), string(raw), now); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM messages WHERE session_id = ? ORDER BY seq ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	out := []types.Message{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context, query session.ListSessionsQuery) ([]session.Info, error) {
	limit, offset := normalizePage(query.Limit, query.Offset)
	const q = `
SELECT s.session_id, s.created_at, s.updated_at, COUNT(m.seq)
FROM sessions s
LEFT JOIN messages m ON m.session_id = s.session_id
GROUP BY s.session_id
ORDER BY s.updated_at DESC
LIMIT ? OFFSET ?;
`
	rows, err := s.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]session.Info, 0, limit)
	for rows.Next() {
		var (
			info                   session.Info
			createdRaw, updatedRaw string
		)
		if err := rows.Scan(&info.ID, &createdRaw, &updatedRaw, &info.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if info.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
			return nil, fmt.Errorf("failed to parse session created_at: %w", err)
		}
		if info.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
			return nil, fmt.Errorf("failed to parse session updated_at: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveTurn(ctx context.Context, turn session.TurnRecord) error {
	now := time.Now().UTC()
	if turn.CreatedAt == nil {
		turn.CreatedAt = &now
	}
	if turn.UpdatedAt == nil {
		turn.UpdatedAt = &now
	}
	if turn.TurnID == "" {
		return fmt.Errorf("turn_id is required")
	}
	if turn.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if turn.Provider == "" {
		turn.Provider = "unknown"
	}
	if turn.Status == "" {
		turn.Status = session.TurnRunning
	}

	usageRaw, err := json.Marshal(turn.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}

	const q = `
INSERT INTO turns (
  turn_id, session_id, provider, status, input, output, usage, iterations, degenerate_retries, error, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(turn_id) DO UPDATE SET
  session_id=excluded.session_id,
  provider=excluded.provider,
  status=excluded.status,
  input=excluded.input,
  output=excluded.output,
  usage=excluded.usage,
  iterations=excluded.iterations,
  degenerate_retries=excluded.degenerate_retries,
  error=excluded.error,
  updated_at=excluded.updated_at,
  completed_at=excluded.completed_at;
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		turn.TurnID,
		turn.SessionID,
		turn.Provider,
		turn.Status,
		turn.Input,
		turn.Output,
		nullIfEmptyJSON(usageRaw),
		turn.Iterations,
		turn.DegenerateRetries,
		turn.Error,
		toNullableTime(turn.CreatedAt),
		toNullableTime(turn.UpdatedAt),
		toNullableTime(turn.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

const turnColumns = `turn_id, session_id, provider, status, input, output, usage, iterations, degenerate_retries, error, created_at, updated_at, completed_at`

func (s *Store) LoadTurn(ctx context.Context, turnID string) (session.TurnRecord, error) {
	if strings.TrimSpace(turnID) == "" {
		return session.TurnRecord{}, fmt.Errorf("turn_id is required")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM turns WHERE turn_id = ?;`, turnID)
	turn, err := scanTurn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.TurnRecord{}, session.ErrNotFound
		}
		return session.TurnRecord{}, fmt.Errorf("failed to load turn: %w", err)
	}
	return turn, nil
}

func (s *Store) ListTurns(ctx context.Context, query session.ListTurnsQuery) ([]session.TurnRecord, error) {
	limit, offset := normalizePage(query.Limit, query.Offset)

	var (
		where []string
		args  []any
	)
	if query.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if query.Status != "" {
		where = append(where, "status = ?")
		args = append(args, query.Status)
	}

	sqlText := `SELECT ` + turnColumns + ` FROM turns`
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	sqlText += " ORDER BY created_at DESC LIMIT ? OFFSET ?;"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	out := make([]session.TurnRecord, 0, limit)
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		out = append(out, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (session.TurnRecord, error) {
	var (
		turn         session.TurnRecord
		usageRaw     sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := row.Scan(
		&turn.TurnID,
		&turn.SessionID,
		&turn.Provider,
		&turn.Status,
		&turn.Input,
		&turn.Output,
		&usageRaw,
		&turn.Iterations,
		&turn.DegenerateRetries,
		&turn.Error,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return session.TurnRecord{}, err
	}
	if usageRaw.Valid && strings.TrimSpace(usageRaw.String) != "" && usageRaw.String != "null" {
		var usage types.Usage
		if err := json.Unmarshal([]byte(usageRaw.String), &usage); err != nil {
			return session.TurnRecord{}, fmt.Errorf("failed to decode turn usage: %w", err)
		}
		turn.Usage = &usage
	}
	created, err := parseRequiredTime(createdRaw)
	if err != nil {
		return session.TurnRecord{}, fmt.Errorf("failed to parse turn created_at: %w", err)
	}
	updated, err := parseRequiredTime(updatedRaw)
	if err != nil {
		return session.TurnRecord{}, fmt.Errorf("failed to parse turn updated_at: %w", err)
	}
	turn.CreatedAt = &created
	turn.UpdatedAt = &updated
	if completedRaw.Valid && strings.TrimSpace(completedRaw.String) != "" {
		completed, err := parseRequiredTime(completedRaw.String)
		if err != nil {
			return session.TurnRecord{}, fmt.Errorf("failed to parse turn completed_at: %w", err)
		}
		turn.CompletedAt = &completed
	}
	return turn, nil
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

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmptyJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}
