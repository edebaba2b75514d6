// Package platform delivers refined alerts to the tenant-facing platform API.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"rea-telemetry/internal/httpx"
	telemetry "rea-telemetry/internal/telemetry/domain"
	"rea-telemetry/internal/warehouse"
)

// Outcome classifies one alert delivery.
type Outcome int

const (
	// OutcomeCreated: the platform accepted the alert.
	OutcomeCreated Outcome = iota
	// OutcomeDuplicate: the platform already holds this alert.
	OutcomeDuplicate
	// OutcomeUnknownDevice: the platform does not know the target device.
	OutcomeUnknownDevice
)

// alertBody is the platform's inbound alert document.
type alertBody struct {
	DeviceID     string             `json:"device_id"`
	ExternalID   string             `json:"external_id"`
	Type         string             `json:"type"`
	Severity     telemetry.Severity `json:"severity"`
	ErrorMessage string             `json:"error_message"`
	IsResolved   bool               `json:"is_resolved"`
	AlertStart   time.Time          `json:"alert_start"`
}

// Client posts alerts to one environment's platform API.
type Client struct {
	baseURL string
	http    *httpx.Client
}

// NewClient constructs a platform client for the environment's base URL.
func NewClient(baseURL string, client *httpx.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("platform: empty base url")
	}
	if client == nil {
		return nil, errors.New("platform: nil http client")
	}
	return &Client{baseURL: baseURL, http: client}, nil
}

// PushAlert delivers one alert. The API key travels as a query parameter; a
// conflict and an unknown device are delivery outcomes, not errors, so the
// caller can mark the row as handled either way.
func (c *Client) PushAlert(ctx context.Context, apiKey string, row warehouse.AlertRow) (Outcome, error) {
	body, err := json.Marshal(alertBody{
		DeviceID:     row.DeviceID,
		ExternalID:   row.ExternalID,
		Type:         row.Type,
		Severity:     row.Severity,
		ErrorMessage: row.ErrorMessage,
		IsResolved:   row.IsResolved,
		AlertStart:   row.AlertStart.UTC(),
	})
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(ctx, httpx.Request{
		Method:   http.MethodPost,
		URL:      fmt.Sprintf("%s/api/internal/alerts?api_key=%s", c.baseURL, url.QueryEscape(apiKey)),
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		Expected: []int{http.StatusConflict, http.StatusNotFound},
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		return OutcomeDuplicate, nil
	case http.StatusNotFound:
		return OutcomeUnknownDevice, nil
	default:
		return OutcomeCreated, nil
	}
}
