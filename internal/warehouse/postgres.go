package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	telemetry "rea-telemetry/internal/telemetry/domain"
)

const (
	rawPointsTable = "raw_points"
	rawAlertsTable = "raw_alerts"
	idMapTable     = "id_map"
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Postgres implements the warehouse over a Postgres database.
type Postgres struct {
	db     *sql.DB
	logger *log.Logger
}

// PostgresOption configures the warehouse.
type PostgresOption func(*Postgres)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) PostgresOption {
	return func(p *Postgres) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPostgres constructs a warehouse over an open database handle.
func NewPostgres(db *sql.DB, opts ...PostgresOption) (*Postgres, error) {
	if db == nil {
		return nil, errors.New("warehouse: nil db")
	}
	p := &Postgres{db: db, logger: log.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// EnsureRawTables creates the append-only raw ingest tables.
func (p *Postgres) EnsureRawTables(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	data_provider TEXT NOT NULL,
	site_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	point_tag TEXT NOT NULL,
	point_value DOUBLE PRECISION NOT NULL,
	point_ts TIMESTAMPTZ NOT NULL,
	fetch_ts TIMESTAMPTZ NOT NULL
)`, rawPointsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (point_ts)`, rawPointsTable, rawPointsTable),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	data_provider TEXT NOT NULL,
	site_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	alert_id TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	alert_severity TEXT NOT NULL,
	alert_message TEXT NOT NULL,
	alert_is_resolved BOOLEAN NOT NULL,
	alert_start_ts TIMESTAMPTZ NOT NULL,
	fetch_ts TIMESTAMPTZ NOT NULL
)`, rawAlertsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (alert_start_ts)`, rawAlertsTable, rawAlertsTable),
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse: ensure raw tables: %w", err)
		}
	}
	return nil
}

// AppendPoints appends raw point rows. The table is append-only; duplicates are
// collapsed later by the refinement functions.
func (p *Postgres) AppendPoints(ctx context.Context, points []telemetry.PointPayload) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (data_provider, site_id, device_id, point_tag, point_value, point_ts, fetch_ts)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, rawPointsTable))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, point := range points {
		if point.SiteID == "" || point.DeviceID == "" || point.Tag == "" || point.PointTS.IsZero() {
			_ = tx.Rollback()
			return errors.New("warehouse: invalid point payload")
		}
		if _, err := stmt.ExecContext(ctx,
			string(point.Provider), point.SiteID, point.DeviceID, string(point.Tag),
			point.Value, point.PointTS, point.FetchTS,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AppendAlerts appends raw alert rows.
func (p *Postgres) AppendAlerts(ctx context.Context, alerts []telemetry.AlertPayload) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (data_provider, site_id, device_id, alert_id, alert_type, alert_severity,
	alert_message, alert_is_resolved, alert_start_ts, fetch_ts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, rawAlertsTable))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, alert := range alerts {
		if alert.SiteID == "" || alert.DeviceID == "" || alert.AlertID == "" || alert.StartTS.IsZero() {
			_ = tx.Rollback()
			return errors.New("warehouse: invalid alert payload")
		}
		if _, err := stmt.ExecContext(ctx,
			string(alert.Provider), alert.SiteID, alert.DeviceID, alert.AlertID,
			alert.Type, string(alert.Severity), alert.Message, alert.IsResolved,
			alert.StartTS, alert.FetchTS,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// InstallRefinements (re)installs the deduplicating table functions. Both are
// idempotent and safe to reinstall on every process run. First-seen wins: the
// row with the earliest fetch_ts survives, so reruns are stable.
func (p *Postgres) InstallRefinements(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`
CREATE OR REPLACE FUNCTION telemetry_points_dedup(from_ts TIMESTAMPTZ, to_ts TIMESTAMPTZ)
RETURNS TABLE (
	data_provider TEXT,
	site_id TEXT,
	device_id TEXT,
	point_tag TEXT,
	point_value DOUBLE PRECISION,
	point_ts TIMESTAMPTZ
)
LANGUAGE sql STABLE AS $$
	SELECT DISTINCT ON (data_provider, site_id, device_id, point_tag, point_ts)
		data_provider, site_id, device_id, point_tag, point_value, point_ts
	FROM %s
	WHERE point_ts >= from_ts AND point_ts < to_ts
	ORDER BY data_provider, site_id, device_id, point_tag, point_ts, fetch_ts ASC
$$`, rawPointsTable),
		fmt.Sprintf(`
CREATE OR REPLACE FUNCTION telemetry_alerts_dedup(from_ts TIMESTAMPTZ, to_ts TIMESTAMPTZ)
RETURNS TABLE (
	data_provider TEXT,
	site_id TEXT,
	device_id TEXT,
	alert_id TEXT,
	alert_type TEXT,
	alert_severity TEXT,
	alert_message TEXT,
	alert_is_resolved BOOLEAN,
	alert_start_ts TIMESTAMPTZ
)
LANGUAGE sql STABLE AS $$
	SELECT DISTINCT ON (data_provider, site_id, device_id, alert_id, alert_start_ts)
		data_provider, site_id, device_id, alert_id, alert_type, alert_severity,
		alert_message, alert_is_resolved, alert_start_ts
	FROM %s
	WHERE alert_start_ts >= from_ts AND alert_start_ts < to_ts
	ORDER BY data_provider, site_id, device_id, alert_id, alert_start_ts, fetch_ts ASC
$$`, rawAlertsTable),
	}
	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("warehouse: install refinements: %w", err)
		}
	}
	return nil
}

// EnsureAlertsTable creates the per-environment alerts table when absent.
func (p *Postgres) EnsureAlertsTable(ctx context.Context, environment string) error {
	table, err := alertsTable(environment)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	error_message TEXT NOT NULL,
	is_resolved BOOLEAN NOT NULL,
	alert_start TIMESTAMPTZ NOT NULL,
	push_ts TIMESTAMPTZ,
	UNIQUE (device_id, external_id)
)`, table))
	if err != nil {
		return fmt.Errorf("warehouse: ensure %s: %w", table, err)
	}
	return nil
}

// MergeAlerts inserts deduplicated, ID-mapped alert rows for the lookback
// window into the environment's alerts table. The merge is insert-only: rows
// already present by (device_id, external_id) are left untouched, including
// their push_ts. Severity is normalized again here, independently of the
// adapters, so the taxonomy invariant holds even for rows ingested before an
// adapter carried the normalization.
func (p *Postgres) MergeAlerts(ctx context.Context, environment string, from, to time.Time) (int64, error) {
	table, err := alertsTable(environment)
	if err != nil {
		return 0, err
	}
	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (device_id, external_id, type, severity, error_message, is_resolved, alert_start, push_ts)
SELECT
	m.internal_device_id,
	a.alert_id,
	a.alert_type,
	CASE LOWER(TRIM(a.alert_severity))
		WHEN 'informational' THEN 'Informational'
		WHEN 'info' THEN 'Informational'
		WHEN 'warning' THEN 'Warning'
		WHEN 'warn' THEN 'Warning'
		WHEN 'critical' THEN 'Critical'
		WHEN 'crit' THEN 'Critical'
		WHEN 'fault' THEN 'Critical'
		ELSE 'Informational'
	END,
	a.alert_message,
	a.alert_is_resolved,
	a.alert_start_ts,
	NULL
FROM telemetry_alerts_dedup($1, $2) a
JOIN %s m
	ON m.data_provider = a.data_provider
	AND m.external_site_id = a.site_id
	AND m.external_device_id = a.device_id
WHERE m.environment = $3
ON CONFLICT (device_id, external_id) DO NOTHING`, table, idMapTable),
		from, to, environment)
	if err != nil {
		return 0, fmt.Errorf("warehouse: merge %s: %w", table, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("warehouse: merge %s row count: %w", table, err)
	}
	return inserted, nil
}

// SelectUnpushed returns alert rows not yet delivered to the platform API.
func (p *Postgres) SelectUnpushed(ctx context.Context, environment string) ([]AlertRow, error) {
	table, err := alertsTable(environment)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, device_id, external_id, type, severity, error_message, is_resolved, alert_start, push_ts
FROM %s
WHERE push_ts IS NULL
ORDER BY alert_start ASC, id ASC`, table))
	if err != nil {
		return nil, fmt.Errorf("warehouse: select unpushed %s: %w", table, err)
	}
	defer rows.Close()
	return scanAlertRows(rows)
}

// SelectAlerts returns alert rows starting at or after since, for exports.
func (p *Postgres) SelectAlerts(ctx context.Context, environment string, since time.Time) ([]AlertRow, error) {
	table, err := alertsTable(environment)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, device_id, external_id, type, severity, error_message, is_resolved, alert_start, push_ts
FROM %s
WHERE alert_start >= $1
ORDER BY alert_start ASC, id ASC`, table), since)
	if err != nil {
		return nil, fmt.Errorf("warehouse: select alerts %s: %w", table, err)
	}
	defer rows.Close()
	return scanAlertRows(rows)
}

// MarkPushed stamps push_ts for the given row ids.
func (p *Postgres) MarkPushed(ctx context.Context, environment string, ids []int64, pushedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := alertsTable(environment)
	if err != nil {
		return err
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, pushedAt)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET push_ts = $1 WHERE id IN (%s)`, table, strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("warehouse: mark pushed %s: %w", table, err)
	}
	return nil
}

// ExecuteQuery implements Engine.
func (p *Postgres) ExecuteQuery(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, column := range columns {
			row[column] = values[i]
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// ReplaceTable destructively refreshes a derived table: drop, recreate with the
// given schema, insert all rows in one transaction. Correct only for pure
// derived caches such as the ID map.
func (p *Postgres) ReplaceTable(ctx context.Context, table string, columns []Column, rows [][]any) error {
	if !identifierPattern.MatchString(table) {
		return fmt.Errorf("warehouse: invalid table name %q", table)
	}
	if len(columns) == 0 {
		return errors.New("warehouse: replace table requires a schema")
	}

	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, column := range columns {
		if !identifierPattern.MatchString(column.Name) {
			return fmt.Errorf("warehouse: invalid column name %q", column.Name)
		}
		defs[i] = column.Name + " " + column.Type
		names[i] = column.Name
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, table, strings.Join(defs, ", "))); err != nil {
		_ = tx.Rollback()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table, strings.Join(names, ", "), strings.Join(placeholders, ", ")))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, row := range rows {
		if len(row) != len(columns) {
			_ = tx.Rollback()
			return fmt.Errorf("warehouse: row width %d does not match schema width %d", len(row), len(columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func scanAlertRows(rows *sql.Rows) ([]AlertRow, error) {
	var result []AlertRow
	for rows.Next() {
		var row AlertRow
		var severity string
		var pushTS sql.NullTime
		if err := rows.Scan(&row.ID, &row.DeviceID, &row.ExternalID, &row.Type, &severity,
			&row.ErrorMessage, &row.IsResolved, &row.AlertStart, &pushTS); err != nil {
			return nil, err
		}
		row.Severity = telemetry.Severity(severity)
		if pushTS.Valid {
			ts := pushTS.Time
			row.PushTS = &ts
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func alertsTable(environment string) (string, error) {
	name := "alerts_" + strings.ToLower(environment)
	if !identifierPattern.MatchString(name) {
		return "", fmt.Errorf("warehouse: invalid environment %q", environment)
	}
	return name, nil
}
