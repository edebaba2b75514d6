package application

import (
	"context"
	"errors"
	"io"
	"iter"
	"log"
	"testing"
	"time"

	telemetry "rea-telemetry/internal/telemetry/domain"
	"rea-telemetry/internal/tenantcfg"
)

type stubAdapter struct {
	provider  telemetry.Provider
	points    map[string][]telemetry.PointPayload
	alerts    map[string][]telemetry.AlertPayload
	pointErrs map[string]error
}

func (a *stubAdapter) Provider() telemetry.Provider { return a.provider }

func (a *stubAdapter) FetchPoints(_ context.Context, _, deviceID string) iter.Seq2[telemetry.PointPayload, error] {
	return func(yield func(telemetry.PointPayload, error) bool) {
		if err := a.pointErrs[deviceID]; err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}
		for _, p := range a.points[deviceID] {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func (a *stubAdapter) FetchAlerts(_ context.Context, _, deviceID string) iter.Seq2[telemetry.AlertPayload, error] {
	return func(yield func(telemetry.AlertPayload, error) bool) {
		for _, al := range a.alerts[deviceID] {
			if !yield(al, nil) {
				return
			}
		}
	}
}

type recordingStore struct {
	pointBatches [][]telemetry.PointPayload
	alertBatches [][]telemetry.AlertPayload
}

func (s *recordingStore) AppendPoints(_ context.Context, points []telemetry.PointPayload) error {
	batch := make([]telemetry.PointPayload, len(points))
	copy(batch, points)
	s.pointBatches = append(s.pointBatches, batch)
	return nil
}

func (s *recordingStore) AppendAlerts(_ context.Context, alerts []telemetry.AlertPayload) error {
	batch := make([]telemetry.AlertPayload, len(alerts))
	copy(batch, alerts)
	s.alertBatches = append(s.alertBatches, batch)
	return nil
}

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

type staticSecrets struct{}

func (staticSecrets) AccessSecret(_ context.Context, _, _ string) (string, error) {
	return `{"base_url":"http://vendor"}`, nil
}

func company(devices ...tenantcfg.Device) tenantcfg.Company {
	return tenantcfg.Company{
		ID: "co-1",
		Connections: []tenantcfg.Connection{
			{Name: "main", Provider: "kmc", ExternalSiteID: "ext-site-1"},
		},
		Sites: []tenantcfg.Site{
			{ID: "site-1", Connection: "main", Devices: devices},
		},
	}
}

func point(device string, value float64) telemetry.PointPayload {
	return telemetry.PointPayload{
		Provider: telemetry.ProviderKMC,
		SiteID:   "ext-site-1",
		DeviceID: device,
		Tag:      telemetry.PointTagACPower,
		Value:    value,
		PointTS:  time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
		FetchTS:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newService(t *testing.T, adapter *stubAdapter, store *recordingStore, companies []tenantcfg.Company, opts ...FetchOption) *FetchService {
	t.Helper()
	factory := func(provider telemetry.Provider, credentials string) (Adapter, error) {
		if credentials == "" {
			return nil, errors.New("empty credentials")
		}
		return adapter, nil
	}
	opts = append(opts, WithLogger(log.New(io.Discard, "", 0)))
	service, err := NewFetchService(
		&staticSource{companies: map[string][]tenantcfg.Company{"prod": companies}},
		staticSecrets{}, factory, store, []string{"prod"}, "solar", opts...)
	if err != nil {
		t.Fatalf("NewFetchService: %v", err)
	}
	return service
}

func TestRunAppendsPointsAndAlerts(t *testing.T) {
	adapter := &stubAdapter{
		provider: telemetry.ProviderKMC,
		points: map[string][]telemetry.PointPayload{
			"ext-dev-1": {point("ext-dev-1", 1.5), point("ext-dev-1", 2.5)},
		},
		alerts: map[string][]telemetry.AlertPayload{
			"ext-dev-1": {{Provider: telemetry.ProviderKMC, DeviceID: "ext-dev-1", AlertID: "al-1"}},
		},
	}
	store := &recordingStore{}
	service := newService(t, adapter, store, []tenantcfg.Company{
		company(tenantcfg.Device{ID: "dev-1", ExternalID: "ext-dev-1"}),
	})

	summary, err := service.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Devices != 1 || summary.Points != 2 || summary.Alerts != 1 {
		t.Fatalf("summary = %+v, want 1 device, 2 points, 1 alert", summary)
	}
	if len(store.pointBatches) != 1 || len(store.alertBatches) != 1 {
		t.Errorf("batches = %d/%d, want 1/1", len(store.pointBatches), len(store.alertBatches))
	}
}

func TestRunSplitsBatches(t *testing.T) {
	adapter := &stubAdapter{
		provider: telemetry.ProviderKMC,
		points: map[string][]telemetry.PointPayload{
			"ext-dev-1": {
				point("ext-dev-1", 1), point("ext-dev-1", 2), point("ext-dev-1", 3),
				point("ext-dev-1", 4), point("ext-dev-1", 5),
			},
		},
	}
	store := &recordingStore{}
	service := newService(t, adapter, store, []tenantcfg.Company{
		company(tenantcfg.Device{ID: "dev-1", ExternalID: "ext-dev-1"}),
	}, WithBatchSize(2))

	summary, err := service.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Points != 5 {
		t.Fatalf("points = %d, want 5", summary.Points)
	}
	if len(store.pointBatches) != 3 {
		t.Fatalf("point batches = %d, want 3 (2+2+1)", len(store.pointBatches))
	}
	if len(store.pointBatches[2]) != 1 {
		t.Errorf("last batch = %d rows, want 1", len(store.pointBatches[2]))
	}
}

func TestRunTreatsDataUnavailableAsEmpty(t *testing.T) {
	adapter := &stubAdapter{
		provider:  telemetry.ProviderKMC,
		pointErrs: map[string]error{"ext-dev-1": telemetry.ErrDataUnavailable},
		alerts: map[string][]telemetry.AlertPayload{
			"ext-dev-1": {{Provider: telemetry.ProviderKMC, DeviceID: "ext-dev-1", AlertID: "al-1"}},
		},
	}
	store := &recordingStore{}
	service := newService(t, adapter, store, []tenantcfg.Company{
		company(tenantcfg.Device{ID: "dev-1", ExternalID: "ext-dev-1"}),
	})

	summary, err := service.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Points != 0 {
		t.Errorf("points = %d, want 0", summary.Points)
	}
	if summary.Alerts != 1 {
		t.Errorf("alerts = %d, want 1 (alert fetch still runs)", summary.Alerts)
	}
}

func TestRunCollectsDeviceFailures(t *testing.T) {
	adapter := &stubAdapter{
		provider: telemetry.ProviderKMC,
		pointErrs: map[string]error{
			"ext-dev-1": &telemetry.DeviceNotFoundError{Provider: telemetry.ProviderKMC, SiteID: "ext-site-1", DeviceID: "ext-dev-1"},
		},
		points: map[string][]telemetry.PointPayload{
			"ext-dev-2": {point("ext-dev-2", 1.5)},
		},
	}
	store := &recordingStore{}
	service := newService(t, adapter, store, []tenantcfg.Company{
		company(
			tenantcfg.Device{ID: "dev-1", ExternalID: "ext-dev-1"},
			tenantcfg.Device{ID: "dev-2", ExternalID: "ext-dev-2"},
		),
	})

	summary, err := service.Run(context.Background())
	if err == nil {
		t.Fatal("expected joined error for the failed device")
	}
	var notFound *telemetry.DeviceNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want DeviceNotFoundError inside join", err)
	}
	if summary.Points != 1 {
		t.Errorf("points = %d, want 1 (second device still fetched)", summary.Points)
	}
}
