// Package alsoenergy is the provider adapter for the Also Energy monitoring
// system: OAuth2 password-grant token issuance, a Hardware listing endpoint,
// and a BinData endpoint for point history with ISO-8601 query parameters.
// Also Energy already reports warehouse units, so no conversion is applied.
package alsoenergy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"rea-telemetry/internal/checkpoint"
	"rea-telemetry/internal/httpx"
	"rea-telemetry/internal/interval"
	telemetry "rea-telemetry/internal/telemetry/domain"
)

// Credentials is the per-tenant Also Energy credential document.
type Credentials struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// vendor field names per semantic channel.
var fieldNames = map[telemetry.PointTag]string{
	telemetry.PointTagACPower:     "KW",
	telemetry.PointTagDCPower:     "KWdc",
	telemetry.PointTagIrradiance:  "POAI",
	telemetry.PointTagModuleTemp:  "TempBOM",
	telemetry.PointTagAmbientTemp: "TempAmb",
}

// Clock provides fetch timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Adapter fetches points and alerts from Also Energy for one tenant's
// credentials.
type Adapter struct {
	creds       Credentials
	http        *httpx.Client
	tokens      *httpx.TokenCache
	checkpoints *checkpoint.Cache
	clock       Clock
	logger      *log.Logger
}

// Option configures the adapter.
type Option func(*Adapter)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New constructs an Also Energy adapter.
func New(creds Credentials, client *httpx.Client, tokens *httpx.TokenCache, checkpoints *checkpoint.Cache, opts ...Option) (*Adapter, error) {
	if creds.BaseURL == "" || creds.Username == "" || creds.Password == "" {
		return nil, errors.New("alsoenergy: incomplete credentials")
	}
	if client == nil || tokens == nil || checkpoints == nil {
		return nil, errors.New("alsoenergy: nil collaborator")
	}
	a := &Adapter{
		creds:       creds,
		http:        client,
		tokens:      tokens,
		checkpoints: checkpoints,
		clock:       systemClock{},
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Provider implements the adapter contract.
func (a *Adapter) Provider() telemetry.Provider { return telemetry.ProviderAlsoEnergy }

// FetchPoints yields point payloads for every checkpoint window of every field
// the device advertises. Zero points across all windows yields
// ErrDataUnavailable so the checkpoint never advances for an offline device.
func (a *Adapter) FetchPoints(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.PointPayload, error] {
	return func(yield func(telemetry.PointPayload, error) bool) {
		token, err := a.token(ctx)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}
		device, err := a.findHardware(ctx, token, siteID, deviceID)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}

		tags := a.resolveTags(device, deviceID)
		if len(tags) == 0 {
			yield(telemetry.PointPayload{}, telemetry.ErrDataUnavailable)
			return
		}

		cycle, err := a.checkpoints.BeginPoints(ctx, telemetry.ProviderAlsoEnergy, siteID, deviceID, tags)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}

		fetchTS := a.clock.Now()
		emitted := 0
		for _, tag := range tags {
			for _, window := range cycle.Windows[tag] {
				samples, err := a.binData(ctx, token, device.ID, fieldNames[tag], window)
				if err != nil {
					yield(telemetry.PointPayload{}, err)
					return
				}
				for _, sample := range samples {
					ts, err := time.Parse(time.RFC3339, sample.Timestamp)
					if err != nil {
						continue
					}
					value := sample.Value
					if math.IsNaN(value) {
						value = 0
					}
					payload := telemetry.PointPayload{
						Provider: telemetry.ProviderAlsoEnergy,
						SiteID:   siteID,
						DeviceID: deviceID,
						Tag:      tag,
						Value:    telemetry.RoundValue(value),
						PointTS:  ts.UTC(),
						FetchTS:  fetchTS,
					}
					if !yield(payload, nil) {
						return
					}
					emitted++
				}
			}
		}

		if emitted == 0 {
			yield(telemetry.PointPayload{}, telemetry.ErrDataUnavailable)
			return
		}
		if err := cycle.Commit(ctx); err != nil {
			yield(telemetry.PointPayload{}, err)
		}
	}
}

// FetchAlerts yields alert payloads within the checkpoint window. The vendor's
// range filter is coarser than ours, so the window is enforced client-side as
// well. Zero alerts is a legitimate outcome and still commits the cursor.
func (a *Adapter) FetchAlerts(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.AlertPayload, error] {
	return func(yield func(telemetry.AlertPayload, error) bool) {
		token, err := a.token(ctx)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}
		device, err := a.findHardware(ctx, token, siteID, deviceID)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		cycle, err := a.checkpoints.BeginAlerts(ctx, telemetry.ProviderAlsoEnergy, siteID, deviceID)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		alerts, err := a.siteAlerts(ctx, token, siteID, cycle.Window)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		fetchTS := a.clock.Now()
		for _, alert := range alerts {
			if alert.HardwareID != device.ID {
				continue
			}
			startTS, err := time.Parse(time.RFC3339, alert.StartDate)
			if err != nil {
				continue
			}
			startTS = startTS.UTC()
			if startTS.Before(cycle.Window.Start) || !startTS.Before(cycle.Window.End) {
				continue
			}
			payload := telemetry.AlertPayload{
				Provider:   telemetry.ProviderAlsoEnergy,
				SiteID:     siteID,
				DeviceID:   deviceID,
				AlertID:    strconv.FormatInt(alert.AlertID, 10),
				Type:       alert.AlertType,
				Severity:   telemetry.NormalizeSeverity(alert.Severity),
				Message:    alert.Message,
				IsResolved: alert.Closed,
				StartTS:    startTS,
				FetchTS:    fetchTS,
			}
			if !yield(payload, nil) {
				return
			}
		}

		if err := cycle.Commit(ctx); err != nil {
			yield(telemetry.AlertPayload{}, err)
		}
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// token mints or reuses an OAuth2 password-grant token. The input credentials
// travel basic-auth-encoded alongside the grant form; the returned access
// token is a JWT, so the cache derives the entry lifetime from its exp claim.
func (a *Adapter) token(ctx context.Context) (string, error) {
	return a.tokens.Get(a.creds.Username+":"+a.creds.Password, func() (string, error) {
		form := url.Values{}
		form.Set("grant_type", "password")
		form.Set("username", a.creds.Username)
		form.Set("password", a.creds.Password)

		encoded := base64.StdEncoding.EncodeToString([]byte(a.creds.Username + ":" + a.creds.Password))
		resp, err := a.http.Do(ctx, httpx.Request{
			Method: http.MethodPost,
			URL:    a.creds.BaseURL + "/Auth/token",
			Header: http.Header{
				"Content-Type":  []string{"application/x-www-form-urlencoded"},
				"Authorization": []string{"Basic " + encoded},
			},
			Body:     []byte(form.Encode()),
			Expected: []int{http.StatusBadRequest, http.StatusUnauthorized},
		})
		if err != nil {
			return "", err
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			_ = httpx.DecodeJSON(resp, nil)
			return "", &telemetry.TokenUnauthorizedError{Provider: telemetry.ProviderAlsoEnergy, Reason: "password grant rejected"}
		}
		var token tokenResponse
		if err := httpx.DecodeJSON(resp, &token); err != nil {
			return "", err
		}
		if token.AccessToken == "" {
			return "", errors.New("alsoenergy: empty access token")
		}
		return token.AccessToken, nil
	})
}

type hardwareItem struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	FieldNames []string `json:"fieldNames"`
}

type hardwareResponse struct {
	Hardware []hardwareItem `json:"hardware"`
}

func (a *Adapter) findHardware(ctx context.Context, token, siteID, deviceID string) (hardwareItem, error) {
	resp, err := a.http.Do(ctx, httpx.Request{
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/Sites/%s/Hardware", a.creds.BaseURL, url.PathEscape(siteID)),
		Header:   bearerHeader(token),
		Expected: []int{http.StatusNotFound},
	})
	if err != nil {
		return hardwareItem{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = httpx.DecodeJSON(resp, nil)
		return hardwareItem{}, &telemetry.SiteNotFoundError{Provider: telemetry.ProviderAlsoEnergy, SiteID: siteID}
	}
	var hardware hardwareResponse
	if err := httpx.DecodeJSON(resp, &hardware); err != nil {
		return hardwareItem{}, err
	}
	for _, item := range hardware.Hardware {
		if strconv.FormatInt(item.ID, 10) == deviceID {
			return item, nil
		}
	}
	return hardwareItem{}, &telemetry.DeviceNotFoundError{Provider: telemetry.ProviderAlsoEnergy, SiteID: siteID, DeviceID: deviceID}
}

// resolveTags keeps the tags whose vendor field the device actually advertises.
func (a *Adapter) resolveTags(device hardwareItem, deviceID string) []telemetry.PointTag {
	available := make(map[string]bool, len(device.FieldNames))
	for _, field := range device.FieldNames {
		available[field] = true
	}
	var tags []telemetry.PointTag
	for tag, field := range fieldNames {
		if available[field] {
			tags = append(tags, tag)
		} else {
			a.logger.Printf("alsoenergy: device=%s does not report field %s, skipping tag %s", deviceID, field, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

type binSample struct {
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
}

type binDataResponse struct {
	Items []binSample `json:"items"`
}

func (a *Adapter) binData(ctx context.Context, token string, hardwareID int64, field string, window interval.Window) ([]binSample, error) {
	query := url.Values{}
	query.Set("hardwareId", strconv.FormatInt(hardwareID, 10))
	query.Set("fieldName", field)
	query.Set("from", window.Start.UTC().Format(time.RFC3339))
	query.Set("to", window.End.UTC().Format(time.RFC3339))
	query.Set("binSize", "Bin15Min")

	resp, err := a.http.Do(ctx, httpx.Request{
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/Data/BinData?%s", a.creds.BaseURL, query.Encode()),
		Header:   bearerHeader(token),
		Expected: []int{http.StatusNoContent},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = httpx.DecodeJSON(resp, nil)
		return nil, nil
	}
	var data binDataResponse
	if err := httpx.DecodeJSON(resp, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

type alertItem struct {
	AlertID    int64  `json:"alertId"`
	HardwareID int64  `json:"hardwareId"`
	AlertType  string `json:"alertType"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Closed     bool   `json:"closed"`
	StartDate  string `json:"startDate"`
}

type alertsResponse struct {
	Items []alertItem `json:"items"`
}

func (a *Adapter) siteAlerts(ctx context.Context, token, siteID string, window interval.Window) ([]alertItem, error) {
	query := url.Values{}
	query.Set("from", window.Start.UTC().Format(time.RFC3339))
	query.Set("to", window.End.UTC().Format(time.RFC3339))

	resp, err := a.http.Do(ctx, httpx.Request{
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/Sites/%s/Alerts?%s", a.creds.BaseURL, url.PathEscape(siteID), query.Encode()),
		Header:   bearerHeader(token),
		Expected: []int{http.StatusNoContent, http.StatusNotFound},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = httpx.DecodeJSON(resp, nil)
		return nil, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = httpx.DecodeJSON(resp, nil)
		return nil, &telemetry.SiteNotFoundError{Provider: telemetry.ProviderAlsoEnergy, SiteID: siteID}
	}
	var alerts alertsResponse
	if err := httpx.DecodeJSON(resp, &alerts); err != nil {
		return nil, err
	}
	return alerts.Items, nil
}

func bearerHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
