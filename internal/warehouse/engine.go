// Package warehouse is the analytical store for raw telemetry and refined,
// per-environment alert tables.
package warehouse

import (
	"context"
	"time"

	telemetry "rea-telemetry/internal/telemetry/domain"
)

// Row is one query result row keyed by column name.
type Row map[string]any

// Column describes one column of a replaced table.
type Column struct {
	Name string
	Type string
}

// Engine executes SQL queries and destructive table refreshes. The postgres
// implementation is the only one in production; the interface keeps the
// ID-mapping builder and tests decoupled from the database.
type Engine interface {
	ExecuteQuery(ctx context.Context, query string, args ...any) ([]Row, error)
	ReplaceTable(ctx context.Context, table string, columns []Column, rows [][]any) error
}

// AlertRow is one row of a per-environment alerts table. PushTS nil means the
// row has not been delivered to the platform API yet.
type AlertRow struct {
	ID           int64
	DeviceID     string
	ExternalID   string
	Type         string
	Severity     telemetry.Severity
	ErrorMessage string
	IsResolved   bool
	AlertStart   time.Time
	PushTS       *time.Time
}
