package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/switchboard/internal/agent"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                TEXT PRIMARY KEY,
	native_session_id TEXT NOT NULL DEFAULT '',
	native_provider   TEXT NOT NULL DEFAULT '',
	usage             TEXT NOT NULL DEFAULT '{}',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	PRIMARY KEY (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS conversations_updated_at ON conversations (updated_at DESC);
`

// SQLStore persists conversations in SQLite.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database. The schema must already exist; see
// Migrate.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the tables if they are missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var (
		rec              Record
		usageJSON        string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, native_session_id, native_provider, usage, created_at, updated_at FROM conversations WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.NativeSessionID, &rec.NativeProvider, &usageJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM turns WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m agent.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		rec.Turns = append(rec.Turns, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	return FromRecord(rec), nil
}

// Save upserts the conversation row and rewrites its turns in one
// transaction.
func (s *SQLStore) Save(ctx context.Context, c *Conversation) (err error) {
	if c == nil {
		return errors.New("conversation is required")
	}
	rec := c.Record()
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, native_session_id, native_provider, usage, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			native_session_id = excluded.native_session_id,
			native_provider = excluded.native_provider,
			usage = excluded.usage,
			updated_at = excluded.updated_at`,
		rec.ID, rec.NativeSessionID, rec.NativeProvider, string(usageJSON),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear turns: %w", err)
	}
	for i, m := range rec.Turns {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO turns (conversation_id, seq, role, content) VALUES (?, ?, ?, ?)`,
			rec.ID, i, m.Role, m.Content,
		); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns conversations without their turns.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, native_session_id, native_provider, usage, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			rec              Record
			usageJSON        string
			created, updated int64
		)
		if err := rows.Scan(&rec.ID, &rec.NativeSessionID, &rec.NativeProvider, &usageJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		rec.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}
