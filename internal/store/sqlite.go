package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/handoff/internal/protocol"
)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    handoff_state TEXT NOT NULL DEFAULT 'ai',
    operator      TEXT NOT NULL DEFAULT '',
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    id              TEXT NOT NULL,
    position        INTEGER NOT NULL DEFAULT 0,
    role            TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT '',
    operator        TEXT NOT NULL DEFAULT '',
    images          TEXT NOT NULL DEFAULT '[]',
    withdrawn       INTEGER NOT NULL DEFAULT 0,
    edited          INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position ASC);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE conversations ADD COLUMN unread_count INTEGER NOT NULL DEFAULT 0;
ALTER TABLE messages ADD COLUMN read_at TEXT NOT NULL DEFAULT '';
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sqlx.DB
}

type conversationRow struct {
	ID           string `db:"id"`
	HandoffState string `db:"handoff_state"`
	Operator     string `db:"operator"`
	UnreadCount  int    `db:"unread_count"`
	UpdatedAt    string `db:"updated_at"`
}

func (r *conversationRow) record() *ConversationRecord {
	updated, _ := parseTime(r.UpdatedAt)
	return &ConversationRecord{
		ID:           r.ID,
		HandoffState: protocol.HandoffState(r.HandoffState),
		Operator:     r.Operator,
		UnreadCount:  r.UnreadCount,
		UpdatedAt:    updated,
	}
}

type messageRow struct {
	ConversationID string `db:"conversation_id"`
	ID             string `db:"id"`
	Position       int    `db:"position"`
	Role           string `db:"role"`
	Content        string `db:"content"`
	CreatedAt      string `db:"created_at"`
	Operator       string `db:"operator"`
	Images         string `db:"images"`
	ReadAt         string `db:"read_at"`
	Withdrawn      bool   `db:"withdrawn"`
	Edited         bool   `db:"edited"`
}

func (r *messageRow) record() (*MessageRecord, error) {
	m := &MessageRecord{
		ConversationID: r.ConversationID,
		ID:             r.ID,
		Position:       r.Position,
		Role:           r.Role,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		Operator:       r.Operator,
		ReadAt:         r.ReadAt,
		Withdrawn:      r.Withdrawn,
		Edited:         r.Edited,
	}
	if r.Images != "" && r.Images != "[]" {
		if err := json.Unmarshal([]byte(r.Images), &m.Images); err != nil {
			return nil, fmt.Errorf("decode images of %s: %w", r.ID, err)
		}
	}
	return m, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: an in-memory database exists per connection, and the
	// recorder is the only writer anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Conversations ────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveConversation(ctx context.Context, rec *ConversationRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO conversations(id, handoff_state, operator, unread_count, updated_at)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            handoff_state = excluded.handoff_state,
            operator      = excluded.operator,
            unread_count  = excluded.unread_count,
            updated_at    = excluded.updated_at
    `,
		rec.ID, string(rec.HandoffState), rec.Operator, rec.UnreadCount, formatTime(rec.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id,handoff_state,operator,unread_count,updated_at FROM conversations WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (s *sqliteStore) ListConversations(ctx context.Context, limit, offset int) ([]*ConversationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id,handoff_state,operator,unread_count,updated_at FROM conversations ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	result := make([]*ConversationRecord, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].record())
	}
	return result, nil
}

// ─── Messages ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveMessages(ctx context.Context, msgs []*MessageRecord) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO messages(conversation_id, id, position, role, content, created_at, operator, images, read_at, withdrawn, edited)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(conversation_id, id) DO UPDATE SET
            position  = excluded.position,
            content   = excluded.content,
            operator  = excluded.operator,
            images    = excluded.images,
            read_at   = excluded.read_at,
            withdrawn = excluded.withdrawn,
            edited    = excluded.edited
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		images, err := json.Marshal(m.Images)
		if err != nil {
			return fmt.Errorf("encode images of %s: %w", m.ID, err)
		}
		if m.Images == nil {
			images = []byte("[]")
		}
		if _, err := stmt.ExecContext(ctx,
			m.ConversationID, m.ID, m.Position, m.Role, m.Content, m.CreatedAt, m.Operator,
			string(images), m.ReadAt, m.Withdrawn, m.Edited,
		); err != nil {
			return fmt.Errorf("save message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT conversation_id,id,position,role,content,created_at,operator,images,read_at,withdrawn,edited
        FROM messages WHERE conversation_id=? ORDER BY position ASC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	result := make([]*MessageRecord, 0, len(rows))
	for i := range rows {
		m, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *sqliteStore) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM messages WHERE conversation_id=? AND id IN (?)`, conversationID, ids)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
