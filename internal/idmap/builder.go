// Package idmap reconciles tenant configuration into the warehouse join table
// mapping vendor-native identifiers to internal identities across environments.
package idmap

import (
	"context"
	"errors"
	"log"
	"sort"

	"rea-telemetry/internal/tenantcfg"
	telemetry "rea-telemetry/internal/telemetry/domain"
	"rea-telemetry/internal/warehouse"
)

const tableName = "id_map"

// ExternalKey identifies a device as the vendor knows it.
type ExternalKey struct {
	Provider telemetry.Provider
	SiteID   string
	DeviceID string
}

// InternalIdentity identifies the same device inside one deployment environment.
type InternalIdentity struct {
	Environment string
	CompanyID   string
	SiteID      string
	DeviceID    string
}

// Builder rebuilds the ID map from per-environment tenant configuration. The
// destination table is fully replaced each run: it is a derived cache, and
// staleness must not accumulate.
type Builder struct {
	source       tenantcfg.Source
	engine       warehouse.Engine
	environments []string
	logger       *log.Logger
}

// NewBuilder constructs a builder.
func NewBuilder(source tenantcfg.Source, engine warehouse.Engine, environments []string, logger *log.Logger) (*Builder, error) {
	if source == nil {
		return nil, errors.New("idmap: nil source")
	}
	if engine == nil {
		return nil, errors.New("idmap: nil engine")
	}
	if len(environments) == 0 {
		return nil, errors.New("idmap: no environments")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Builder{source: source, engine: engine, environments: environments, logger: logger}, nil
}

// Rebuild scans every environment's tenant configuration and replaces the ID
// map table. Internal identities accumulate as a set per external key, so
// overlapping configuration across environments is tolerated without error.
// Returns the number of mapping rows written.
func (b *Builder) Rebuild(ctx context.Context) (int, error) {
	mapping := make(map[ExternalKey]map[InternalIdentity]struct{})

	for _, environment := range b.environments {
		env := environment
		err := b.source.Stream(ctx, env, func(company tenantcfg.Company) error {
			for _, site := range company.Sites {
				if site.Connection == "" {
					continue
				}
				connection, ok := company.ConnectionByName(site.Connection)
				if !ok {
					b.logger.Printf("idmap: company=%s site=%s references unknown connection %q, skipping",
						company.ID, site.ID, site.Connection)
					continue
				}
				provider, ok := telemetry.ParseProvider(connection.Provider)
				if !ok {
					b.logger.Printf("idmap: company=%s connection=%s has unsupported provider %q, skipping",
						company.ID, connection.Name, connection.Provider)
					continue
				}
				for _, device := range site.Devices {
					if device.ExternalID == "" {
						continue
					}
					key := ExternalKey{Provider: provider, SiteID: connection.ExternalSiteID, DeviceID: device.ExternalID}
					identity := InternalIdentity{Environment: env, CompanyID: company.ID, SiteID: site.ID, DeviceID: device.ID}
					if mapping[key] == nil {
						mapping[key] = make(map[InternalIdentity]struct{})
					}
					mapping[key][identity] = struct{}{}
				}
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	rows := flatten(mapping)
	columns := []warehouse.Column{
		{Name: "data_provider", Type: "TEXT NOT NULL"},
		{Name: "external_site_id", Type: "TEXT NOT NULL"},
		{Name: "external_device_id", Type: "TEXT NOT NULL"},
		{Name: "environment", Type: "TEXT NOT NULL"},
		{Name: "internal_company_id", Type: "TEXT NOT NULL"},
		{Name: "internal_site_id", Type: "TEXT NOT NULL"},
		{Name: "internal_device_id", Type: "TEXT NOT NULL"},
	}
	if err := b.engine.ReplaceTable(ctx, tableName, columns, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// flatten orders rows deterministically so consecutive rebuilds over unchanged
// configuration produce identical tables.
func flatten(mapping map[ExternalKey]map[InternalIdentity]struct{}) [][]any {
	var rows [][]any
	for key, identities := range mapping {
		for identity := range identities {
			rows = append(rows, []any{
				string(key.Provider), key.SiteID, key.DeviceID,
				identity.Environment, identity.CompanyID, identity.SiteID, identity.DeviceID,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		for c := range rows[i] {
			a, b := rows[i][c].(string), rows[j][c].(string)
			if a != b {
				return a < b
			}
		}
		return false
	})
	return rows
}
