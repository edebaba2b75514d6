package alsoenergy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rea-telemetry/internal/checkpoint"
	"rea-telemetry/internal/httpx"
	telemetry "rea-telemetry/internal/telemetry/domain"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type memStore struct {
	docs map[string][]byte
	sets int
}

func newMemStore() *memStore { return &memStore{docs: make(map[string][]byte)} }

func (s *memStore) GetDocument(_ context.Context, collection, key string) ([]byte, bool, error) {
	doc, ok := s.docs[collection+"/"+key]
	return doc, ok, nil
}

func (s *memStore) SetDocument(_ context.Context, collection, key string, doc []byte) error {
	s.docs[collection+"/"+key] = doc
	s.sets++
	return nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// vendorServer fakes the Also Energy API: password-grant tokens, a hardware
// listing, bin data keyed by field name, and a site alert listing.
type vendorServer struct {
	hardware   string
	binData    map[string]string
	alerts     string
	rejectAuth bool
}

func (v *vendorServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/Auth/token", func(w http.ResponseWriter, r *http.Request) {
		if v.rejectAuth {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, _, ok := r.BasicAuth(); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/Sites/site-1/Hardware", func(w http.ResponseWriter, r *http.Request) {
		if v.hardware == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, v.hardware)
	})
	mux.HandleFunc("/Data/BinData", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("binSize") != "Bin15Min" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := v.binData[r.URL.Query().Get("fieldName")]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, body)
	})
	mux.HandleFunc("/Sites/site-1/Alerts", func(w http.ResponseWriter, r *http.Request) {
		if v.alerts == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, v.alerts)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newAdapter(t *testing.T, baseURL string, store *memStore, now time.Time) *Adapter {
	t.Helper()
	cache, err := checkpoint.NewCache(store,
		checkpoint.WithClock(fixedClock{now}),
		checkpoint.WithMaxHistory(24*time.Hour),
		checkpoint.WithMaxPointWindow(24*time.Hour),
		checkpoint.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	adapter, err := New(
		Credentials{BaseURL: baseURL, Username: "ops@example.com", Password: "secret"},
		httpx.NewClient(httpx.WithMaxRetries(0)),
		httpx.NewTokenCache(time.Minute),
		cache,
		WithClock(fixedClock{now}),
		WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return adapter
}

func TestFetchPointsPassesValuesThrough(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pointTS := now.Add(-time.Hour).Format(time.RFC3339)
	vendor := &vendorServer{
		hardware: `{"hardware":[{"id":42,"name":"Inverter 1","fieldNames":["KW","POAI"]}]}`,
		binData: map[string]string{
			"KW":   fmt.Sprintf(`{"items":[{"timestamp":%q,"value":1.5},{"timestamp":%q,"value":0.1234567891}]}`, pointTS, pointTS),
			"POAI": fmt.Sprintf(`{"items":[{"timestamp":%q,"value":850}]}`, pointTS),
		},
	}
	server := vendor.start(t)
	store := newMemStore()
	adapter := newAdapter(t, server.URL, store, now)

	values := make(map[telemetry.PointTag][]float64)
	for payload, err := range adapter.FetchPoints(context.Background(), "site-1", "42") {
		if err != nil {
			t.Fatalf("FetchPoints: %v", err)
		}
		values[payload.Tag] = append(values[payload.Tag], payload.Value)
	}

	// values arrive in warehouse units already, only rounding applies
	want := map[telemetry.PointTag][]float64{
		telemetry.PointTagACPower:    {1.5, 0.123456789},
		telemetry.PointTagIrradiance: {850},
	}
	for tag, wantValues := range want {
		got := values[tag]
		if len(got) != len(wantValues) {
			t.Fatalf("tag %s: got %v, want %v", tag, got, wantValues)
		}
		for i := range wantValues {
			if got[i] != wantValues[i] {
				t.Errorf("tag %s value[%d] = %v, want %v", tag, i, got[i], wantValues[i])
			}
		}
	}
	if _, ok := values[telemetry.PointTagAmbientTemp]; ok {
		t.Error("ambient_temp emitted though the device does not report TempAmb")
	}
	if store.sets != 1 {
		t.Errorf("cursor writes = %d, want 1", store.sets)
	}
}

func TestFetchPointsDeviceNotFound(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vendor := &vendorServer{
		hardware: `{"hardware":[{"id":7,"name":"Meter","fieldNames":["KW"]}]}`,
	}
	server := vendor.start(t)
	adapter := newAdapter(t, server.URL, newMemStore(), now)

	var got error
	for _, err := range adapter.FetchPoints(context.Background(), "site-1", "42") {
		got = err
	}
	var notFound *telemetry.DeviceNotFoundError
	if !errors.As(got, &notFound) {
		t.Fatalf("error = %v, want DeviceNotFoundError", got)
	}
}

func TestFetchPointsSiteNotFound(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vendor := &vendorServer{} // empty hardware answers 404
	server := vendor.start(t)
	adapter := newAdapter(t, server.URL, newMemStore(), now)

	var got error
	for _, err := range adapter.FetchPoints(context.Background(), "site-1", "42") {
		got = err
	}
	var notFound *telemetry.SiteNotFoundError
	if !errors.As(got, &notFound) {
		t.Fatalf("error = %v, want SiteNotFoundError", got)
	}
}

func TestFetchPointsDataUnavailableLeavesCursor(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vendor := &vendorServer{
		hardware: `{"hardware":[{"id":42,"name":"Inverter 1","fieldNames":["KW"]}]}`,
		// no bin data: every window answers 204
	}
	server := vendor.start(t)
	store := newMemStore()
	adapter := newAdapter(t, server.URL, store, now)

	var got error
	for _, err := range adapter.FetchPoints(context.Background(), "site-1", "42") {
		if err != nil {
			got = err
		}
	}
	if !errors.Is(got, telemetry.ErrDataUnavailable) {
		t.Fatalf("error = %v, want ErrDataUnavailable", got)
	}
	if store.sets != 0 {
		t.Errorf("cursor writes = %d, want 0", store.sets)
	}
}

func TestFetchAlertsFiltersDeviceAndWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	inWindow := now.Add(-30 * time.Minute).Format(time.RFC3339)
	tooOld := now.Add(-48 * time.Hour).Format(time.RFC3339)
	vendor := &vendorServer{
		hardware: `{"hardware":[{"id":42,"name":"Inverter 1","fieldNames":["KW"]}]}`,
		alerts: fmt.Sprintf(`{"items":[
			{"alertId":1,"hardwareId":42,"alertType":"grid_fault","severity":"fault","message":"trip","closed":false,"startDate":%q},
			{"alertId":2,"hardwareId":99,"alertType":"comm_loss","severity":"warn","message":"other device","closed":false,"startDate":%q},
			{"alertId":3,"hardwareId":42,"alertType":"stale","severity":"info","message":"old","closed":true,"startDate":%q}
		]}`, inWindow, inWindow, tooOld),
	}
	server := vendor.start(t)
	store := newMemStore()
	adapter := newAdapter(t, server.URL, store, now)

	var alerts []telemetry.AlertPayload
	for payload, err := range adapter.FetchAlerts(context.Background(), "site-1", "42") {
		if err != nil {
			t.Fatalf("FetchAlerts: %v", err)
		}
		alerts = append(alerts, payload)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 (other device and out-of-window filtered)", len(alerts))
	}
	if alerts[0].AlertID != "1" || alerts[0].Severity != telemetry.SeverityCritical {
		t.Errorf("alert = %s/%s, want 1/%s", alerts[0].AlertID, alerts[0].Severity, telemetry.SeverityCritical)
	}
	if store.sets != 1 {
		t.Errorf("cursor writes = %d, want 1", store.sets)
	}
}

func TestFetchAlertsZeroAlertsStillCommits(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vendor := &vendorServer{
		hardware: `{"hardware":[{"id":42,"name":"Inverter 1","fieldNames":["KW"]}]}`,
	}
	server := vendor.start(t)
	store := newMemStore()
	adapter := newAdapter(t, server.URL, store, now)

	for _, err := range adapter.FetchAlerts(context.Background(), "site-1", "42") {
		if err != nil {
			t.Fatalf("FetchAlerts: %v", err)
		}
	}
	if store.sets != 1 {
		t.Errorf("cursor writes = %d, want 1", store.sets)
	}
}

func TestTokenRejected(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	vendor := &vendorServer{rejectAuth: true}
	server := vendor.start(t)
	adapter := newAdapter(t, server.URL, newMemStore(), now)

	var got error
	for _, err := range adapter.FetchAlerts(context.Background(), "site-1", "42") {
		got = err
	}
	var unauthorized *telemetry.TokenUnauthorizedError
	if !errors.As(got, &unauthorized) {
		t.Fatalf("error = %v, want TokenUnauthorizedError", got)
	}
}
