package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

// NewPostgres opens a postgres-backed store for production runs.
func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("checkpoint: empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return errors.New("checkpoint: nil postgres db")
	}
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS fetch_checkpoint_documents (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	doc JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, key)
)`)
	return err
}

func (s *postgresStore) GetDocument(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM fetch_checkpoint_documents WHERE collection = $1 AND key = $2`,
		collection, key).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (s *postgresStore) SetDocument(ctx context.Context, collection, key string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fetch_checkpoint_documents (collection, key, doc, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (collection, key) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		collection, key, doc)
	return err
}
