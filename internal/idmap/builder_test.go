package idmap

import (
	"context"
	"io"
	"log"
	"testing"

	"rea-telemetry/internal/tenantcfg"
	"rea-telemetry/internal/warehouse"
)

type staticSource struct {
	companies map[string][]tenantcfg.Company
}

func (s *staticSource) Stream(_ context.Context, environment string, fn func(tenantcfg.Company) error) error {
	for _, company := range s.companies[environment] {
		if err := fn(company); err != nil {
			return err
		}
	}
	return nil
}

type fakeEngine struct {
	table   string
	columns []warehouse.Column
	rows    [][]any
}

func (e *fakeEngine) ExecuteQuery(context.Context, string, ...any) ([]warehouse.Row, error) {
	return nil, nil
}

func (e *fakeEngine) ReplaceTable(_ context.Context, table string, columns []warehouse.Column, rows [][]any) error {
	e.table = table
	e.columns = columns
	e.rows = rows
	return nil
}

func TestRebuildFlattensAndSorts(t *testing.T) {
	source := &staticSource{companies: map[string][]tenantcfg.Company{
		"prod": {{
			ID: "co-1",
			Connections: []tenantcfg.Connection{
				{Name: "main", Provider: "kmc", ExternalSiteID: "ext-site-1"},
			},
			Sites: []tenantcfg.Site{
				{ID: "site-1", Connection: "main", Devices: []tenantcfg.Device{
					{ID: "dev-b", ExternalID: "ext-2"},
					{ID: "dev-a", ExternalID: "ext-1"},
				}},
			},
		}},
		"staging": {{
			ID: "co-1",
			Connections: []tenantcfg.Connection{
				{Name: "main", Provider: "kmc", ExternalSiteID: "ext-site-1"},
			},
			Sites: []tenantcfg.Site{
				{ID: "site-1", Connection: "main", Devices: []tenantcfg.Device{
					{ID: "dev-a", ExternalID: "ext-1"},
				}},
			},
		}},
	}}
	engine := &fakeEngine{}
	builder, err := NewBuilder(source, engine, []string{"prod", "staging"}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	count, err := builder.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if count != 3 {
		t.Fatalf("rows = %d, want 3 (two prod devices plus one staging identity)", count)
	}
	if engine.table != "id_map" {
		t.Errorf("table = %s, want id_map", engine.table)
	}
	if len(engine.columns) != 7 {
		t.Errorf("columns = %d, want 7", len(engine.columns))
	}
	// sorted by external key then environment
	first := engine.rows[0]
	if first[2] != "ext-1" || first[3] != "prod" {
		t.Errorf("rows[0] = %v, want ext-1/prod first", first)
	}
	second := engine.rows[1]
	if second[2] != "ext-1" || second[3] != "staging" {
		t.Errorf("rows[1] = %v, want ext-1/staging second", second)
	}
}

func TestRebuildSkipsUnknownConnectionAndProvider(t *testing.T) {
	source := &staticSource{companies: map[string][]tenantcfg.Company{
		"prod": {{
			ID: "co-1",
			Connections: []tenantcfg.Connection{
				{Name: "legacy", Provider: "scada_v1", ExternalSiteID: "ext-site-9"},
			},
			Sites: []tenantcfg.Site{
				{ID: "site-1", Connection: "missing", Devices: []tenantcfg.Device{{ID: "dev-a", ExternalID: "ext-1"}}},
				{ID: "site-2", Connection: "legacy", Devices: []tenantcfg.Device{{ID: "dev-b", ExternalID: "ext-2"}}},
				{ID: "site-3", Devices: []tenantcfg.Device{{ID: "dev-c", ExternalID: "ext-3"}}},
			},
		}},
	}}
	engine := &fakeEngine{}
	builder, err := NewBuilder(source, engine, []string{"prod"}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	count, err := builder.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if count != 0 {
		t.Fatalf("rows = %d, want 0 (all sites skipped)", count)
	}
	if engine.table != "id_map" {
		t.Error("table should still be replaced with an empty mapping")
	}
}
