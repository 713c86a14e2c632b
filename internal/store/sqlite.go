package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/visual-orchestrator/internal/models"
)

const currentSchemaVersion = 1

type SQLiteStore struct {
	conn  *sql.DB
	path  string
	clock models.Clock
	ids   models.IDGenerator
}

// OpenSQLite opens (and if needed creates) the database at path. The special
// path ":memory:" gives a private in-memory database.
func OpenSQLite(path string, clock models.Clock, ids models.IDGenerator) (*SQLiteStore, error) {
	if clock == nil {
		clock = models.SystemClock{}
	}
	if ids == nil {
		ids = models.UUIDGenerator{}
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// A single connection serializes writers; version checks stay meaningful
	// and ":memory:" stays one database.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{conn: conn, path: path, clock: clock, ids: ids}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	var versionText string
	version := 0
	err = tx.QueryRow(`SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&versionText)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if version, err = strconv.Atoi(versionText); err != nil {
			return fmt.Errorf("parse schema version %q: %w", versionText, err)
		}
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than runtime version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS entries (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL UNIQUE,
				conversation_id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				metadata TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_entries_conversation ON entries(conversation_id, seq)`,
		}
		for _, st := range stmts {
			if _, err := tx.Exec(st); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(currentSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.ConversationID == "" {
		return Entry{}, fmt.Errorf("conversation_id is required")
	}
	if e.ID == "" {
		e.ID = s.ids.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}
	e.Version = 1
	query := `INSERT INTO entries (id, conversation_id, role, content, metadata, version, created_at) VALUES (?, ?, ?, ?, ?, 1, ?)`
	if _, err := s.conn.ExecContext(ctx, query, e.ID, e.ConversationID, string(e.Role), e.Content, nullableJSON(e.Metadata), e.CreatedAt.UnixNano()); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return copyEntry(e), nil
}

func (s *SQLiteStore) ReadAll(ctx context.Context, conversationID string) ([]Entry, error) {
	query := `SELECT id, conversation_id, role, content, metadata, version, created_at FROM entries WHERE conversation_id = ? ORDER BY seq ASC`
	rows, err := s.conn.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, entryID string) (Entry, error) {
	query := `SELECT id, conversation_id, role, content, metadata, version, created_at FROM entries WHERE id = ?`
	e, err := scanEntry(s.conn.QueryRowContext(ctx, query, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) UpdateMetadata(ctx context.Context, entryID string, metadata json.RawMessage, expectedVersion int64) (Entry, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE entries SET metadata = ?, version = version + 1 WHERE id = ? AND version = ?`,
		nullableJSON(metadata), entryID, expectedVersion)
	if err != nil {
		return Entry{}, fmt.Errorf("update metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, err
	}
	if n == 0 {
		cur, err := s.Get(ctx, entryID)
		if err != nil {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("%w: entry %s at version %d, expected %d", ErrVersionConflict, entryID, cur.Version, expectedVersion)
	}
	return s.Get(ctx, entryID)
}

func (s *SQLiteStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT conversation_id FROM entries GROUP BY conversation_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e        Entry
		role     string
		metadata sql.NullString
		created  int64
	)
	if err := r.Scan(&e.ID, &e.ConversationID, &role, &e.Content, &metadata, &e.Version, &created); err != nil {
		return Entry{}, err
	}
	e.Role = Role(role)
	if metadata.Valid && metadata.String != "" {
		e.Metadata = json.RawMessage(metadata.String)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
