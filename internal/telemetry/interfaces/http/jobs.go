// Package http exposes the pipeline's job triggers and alert exports.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"rea-telemetry/internal/export"
	"rea-telemetry/internal/process"
	"rea-telemetry/internal/telemetry/application"
	"rea-telemetry/internal/warehouse"
)

const timeLayout = time.RFC3339

// AlertReader lists refined alerts for export.
type AlertReader interface {
	SelectAlerts(ctx context.Context, environment string, since time.Time) ([]warehouse.AlertRow, error)
}

// Handler provides job and export HTTP endpoints. Jobs are serialized: a
// second trigger while one is running answers 409 instead of queueing.
type Handler struct {
	fetch   *application.FetchService
	process *process.Runner
	alerts  AlertReader

	fetchMu   sync.Mutex
	processMu sync.Mutex
}

// NewHandler constructs a handler.
func NewHandler(fetch *application.FetchService, runner *process.Runner, alerts AlertReader) (*Handler, error) {
	if fetch == nil || runner == nil || alerts == nil {
		return nil, errors.New("jobs handler: nil collaborator")
	}
	return &Handler{fetch: fetch, process: runner, alerts: alerts}, nil
}

// ServeHTTP handles /jobs/telemetry/* and /exports/alerts.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/jobs/telemetry/fetch":
		h.handleFetch(w, r)
	case "/jobs/telemetry/process":
		h.handleProcess(w, r)
	case "/exports/alerts":
		h.handleExport(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.fetchMu.TryLock() {
		http.Error(w, "fetch already running", http.StatusConflict)
		return
	}
	defer h.fetchMu.Unlock()

	summary, err := h.fetch.Run(r.Context())
	response := map[string]any{
		"devices": summary.Devices,
		"points":  summary.Points,
		"alerts":  summary.Alerts,
	}
	if err != nil {
		response["error"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(response)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.processMu.TryLock() {
		http.Error(w, "process already running", http.StatusConflict)
		return
	}
	defer h.processMu.Unlock()

	if err := h.process.Run(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	environment := r.URL.Query().Get("environment")
	if environment == "" {
		http.Error(w, "environment is required", http.StatusBadRequest)
		return
	}
	since, err := parseTimeQuery(r, "since")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "xlsx"
	}

	rows, err := h.alerts.SelectAlerts(r.Context(), environment, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch format {
	case "xlsx":
		body, err := export.BuildAlertsXLSX(environment, since, rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="alerts_`+environment+`.xlsx"`)
		_, _ = w.Write(body)
	case "pdf":
		body, err := export.BuildAlertsPDF(environment, since, rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="alerts_`+environment+`.pdf"`)
		_, _ = w.Write(body)
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
	}
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
