package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

// NewSQLite opens a sqlite-backed store, the default for local and dev runs.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:checkpoints.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return errors.New("checkpoint: nil sqlite db")
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	doc TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, key)
)`)
	return err
}

func (s *sqliteStore) GetDocument(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND key = ?`, collection, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(doc), true, nil
}

func (s *sqliteStore) SetDocument(ctx context.Context, collection, key string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (collection, key, doc, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (collection, key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		collection, key, string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
