// Package checkpoint persists per-device fetch cursors and computes the next
// fetch windows from them. Progress is committed explicitly and only after a
// fully successful fetch cycle.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Store is a minimal keyed document store. Keys are strings composed as
// "provider:site:device:category"; documents are JSON.
type Store interface {
	GetDocument(ctx context.Context, collection, key string) ([]byte, bool, error)
	SetDocument(ctx context.Context, collection, key string, doc []byte) error
	Init(ctx context.Context) error
	Close() error
}

// StoreConfig selects the cursor store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NewStore constructs a store for the configured driver.
func NewStore(cfg StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("checkpoint: unsupported store driver " + cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
