// Package kmc is the provider adapter for the KMC monitoring system. KMC
// exposes a setlicense call minting a site-scoped token, a generic object
// query endpoint, and a /trends endpoint for point history keyed by
// epoch-millisecond start/end. KMC reports metric units; this adapter converts
// to the warehouse conventions before emitting values.
package kmc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"net/http"
	"net/url"
	"sort"
	"time"

	"rea-telemetry/internal/checkpoint"
	"rea-telemetry/internal/httpx"
	"rea-telemetry/internal/interval"
	telemetry "rea-telemetry/internal/telemetry/domain"
)

// Credentials is the per-tenant KMC credential document.
type Credentials struct {
	BaseURL    string `json:"base_url"`
	LicenseKey string `json:"license_key"`
}

// vendor object names per semantic channel.
var channelNames = map[telemetry.PointTag]string{
	telemetry.PointTagACPower:     "acPower",
	telemetry.PointTagDCPower:     "dcPower",
	telemetry.PointTagIrradiance:  "irradiance",
	telemetry.PointTagModuleTemp:  "moduleTemp",
	telemetry.PointTagAmbientTemp: "ambientTemp",
}

// Clock provides fetch timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Adapter fetches points and alerts from KMC for one tenant's credentials.
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

// New constructs a KMC adapter.
func New(creds Credentials, client *httpx.Client, tokens *httpx.TokenCache, checkpoints *checkpoint.Cache, opts ...Option) (*Adapter, error) {
	if creds.BaseURL == "" || creds.LicenseKey == "" {
		return nil, errors.New("kmc: incomplete credentials")
	}
	if client == nil || tokens == nil || checkpoints == nil {
		return nil, errors.New("kmc: nil collaborator")
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
func (a *Adapter) Provider() telemetry.Provider { return telemetry.ProviderKMC }

// FetchPoints yields unit-normalized point payloads for every checkpoint
// window of every resolvable channel. Zero points across all windows yields
// ErrDataUnavailable so the checkpoint never advances for an offline device.
func (a *Adapter) FetchPoints(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.PointPayload, error] {
	return func(yield func(telemetry.PointPayload, error) bool) {
		token, err := a.token(ctx, siteID)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}
		if err := a.validateDevice(ctx, token, siteID, deviceID); err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}

		channels, err := a.resolveChannels(ctx, token, deviceID)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}
		if len(channels) == 0 {
			yield(telemetry.PointPayload{}, telemetry.ErrDataUnavailable)
			return
		}

		tags := make([]telemetry.PointTag, 0, len(channels))
		for tag := range channels {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

		cycle, err := a.checkpoints.BeginPoints(ctx, telemetry.ProviderKMC, siteID, deviceID, tags)
		if err != nil {
			yield(telemetry.PointPayload{}, err)
			return
		}

		fetchTS := a.clock.Now()
		emitted := 0
		for _, tag := range tags {
			for _, window := range cycle.Windows[tag] {
				samples, err := a.trends(ctx, token, channels[tag], window)
				if err != nil {
					yield(telemetry.PointPayload{}, err)
					return
				}
				for _, sample := range samples {
					payload := telemetry.PointPayload{
						Provider: telemetry.ProviderKMC,
						SiteID:   siteID,
						DeviceID: deviceID,
						Tag:      tag,
						Value:    convert(tag, sample.Value.Float64()),
						PointTS:  time.UnixMilli(sample.TS).UTC(),
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

// FetchAlerts yields alarm payloads within the checkpoint window. Zero alerts
// is a legitimate outcome and still commits the cursor.
func (a *Adapter) FetchAlerts(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.AlertPayload, error] {
	return func(yield func(telemetry.AlertPayload, error) bool) {
		token, err := a.token(ctx, siteID)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}
		if err := a.validateDevice(ctx, token, siteID, deviceID); err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		cycle, err := a.checkpoints.BeginAlerts(ctx, telemetry.ProviderKMC, siteID, deviceID)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		alarms, err := a.alarms(ctx, token, deviceID)
		if err != nil {
			yield(telemetry.AlertPayload{}, err)
			return
		}

		fetchTS := a.clock.Now()
		for _, alarm := range alarms {
			startTS := time.UnixMilli(alarm.TS).UTC()
			// KMC's alarm listing has no server-side range filter; enforce the
			// window on the client.
			if startTS.Before(cycle.Window.Start) || !startTS.Before(cycle.Window.End) {
				continue
			}
			payload := telemetry.AlertPayload{
				Provider:   telemetry.ProviderKMC,
				SiteID:     siteID,
				DeviceID:   deviceID,
				AlertID:    alarm.ID,
				Type:       alarm.Type,
				Severity:   telemetry.NormalizeSeverity(alarm.Severity),
				Message:    alarm.Message,
				IsResolved: alarm.Cleared,
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

type licenseResponse struct {
	Token string `json:"token"`
}

// token mints or reuses a site-scoped token via setlicense. The cache key is
// the credential value plus site so a rotated license misses naturally.
func (a *Adapter) token(ctx context.Context, siteID string) (string, error) {
	return a.tokens.Get(a.creds.LicenseKey+":"+siteID, func() (string, error) {
		body, err := json.Marshal(map[string]string{"license": a.creds.LicenseKey, "site": siteID})
		if err != nil {
			return "", err
		}
		resp, err := a.http.Do(ctx, httpx.Request{
			Method:   http.MethodPost,
			URL:      a.creds.BaseURL + "/api/setlicense",
			Header:   http.Header{"Content-Type": []string{"application/json"}},
			Body:     body,
			Expected: []int{http.StatusUnauthorized, http.StatusNotFound},
		})
		if err != nil {
			return "", err
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			_ = httpx.DecodeJSON(resp, nil)
			return "", &telemetry.TokenUnauthorizedError{Provider: telemetry.ProviderKMC, Reason: "setlicense rejected"}
		case http.StatusNotFound:
			_ = httpx.DecodeJSON(resp, nil)
			return "", &telemetry.SiteNotFoundError{Provider: telemetry.ProviderKMC, SiteID: siteID}
		}
		var license licenseResponse
		if err := httpx.DecodeJSON(resp, &license); err != nil {
			return "", err
		}
		if license.Token == "" {
			return "", errors.New("kmc: setlicense returned empty token")
		}
		return license.Token, nil
	})
}

type objectsResponse struct {
	Objects []struct {
		Ref  string `json:"ref"`
		Name string `json:"name"`
	} `json:"objects"`
}

func (a *Adapter) validateDevice(ctx context.Context, token, siteID, deviceID string) error {
	objects, err := a.queryObjects(ctx, token, fmt.Sprintf("device and ref==%s", deviceID))
	if err != nil {
		return err
	}
	if len(objects.Objects) == 0 {
		return &telemetry.DeviceNotFoundError{Provider: telemetry.ProviderKMC, SiteID: siteID, DeviceID: deviceID}
	}
	return nil
}

// resolveChannels maps semantic tags to vendor object refs. A tag with more
// than one candidate object cannot be resolved unambiguously and is skipped
// with a warning rather than emitting ambiguous data.
func (a *Adapter) resolveChannels(ctx context.Context, token, deviceID string) (map[telemetry.PointTag]string, error) {
	channels := make(map[telemetry.PointTag]string)
	for tag, name := range channelNames {
		objects, err := a.queryObjects(ctx, token, fmt.Sprintf("%s and deviceRef==%s", name, deviceID))
		if err != nil {
			return nil, err
		}
		switch len(objects.Objects) {
		case 0:
			continue
		case 1:
			channels[tag] = objects.Objects[0].Ref
		default:
			a.logger.Printf("kmc: device=%s tag=%s has %d candidate channels, skipping",
				deviceID, tag, len(objects.Objects))
		}
	}
	return channels, nil
}

func (a *Adapter) queryObjects(ctx context.Context, token, query string) (objectsResponse, error) {
	resp, err := a.http.Do(ctx, httpx.Request{
		Method:   http.MethodGet,
		URL:      fmt.Sprintf("%s/api/objects?q=%s", a.creds.BaseURL, url.QueryEscape(query)),
		Header:   authHeader(token),
		Expected: []int{http.StatusNoContent},
	})
	if err != nil {
		return objectsResponse{}, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = httpx.DecodeJSON(resp, nil)
		return objectsResponse{}, nil
	}
	var objects objectsResponse
	if err := httpx.DecodeJSON(resp, &objects); err != nil {
		return objectsResponse{}, err
	}
	return objects, nil
}

type trendSample struct {
	TS    int64       `json:"ts"`
	Value vendorValue `json:"value"`
}

type trendsResponse struct {
	Samples []trendSample `json:"samples"`
}

func (a *Adapter) trends(ctx context.Context, token, ref string, window interval.Window) ([]trendSample, error) {
	resp, err := a.http.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL: fmt.Sprintf("%s/api/trends?ref=%s&start=%d&end=%d",
			a.creds.BaseURL, url.QueryEscape(ref), window.Start.UnixMilli(), window.End.UnixMilli()),
		Header:   authHeader(token),
		Expected: []int{http.StatusNoContent},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = httpx.DecodeJSON(resp, nil)
		return nil, nil
	}
	var trends trendsResponse
	if err := httpx.DecodeJSON(resp, &trends); err != nil {
		return nil, err
	}
	return trends.Samples, nil
}

func authHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

type alarmEntry struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Cleared  bool   `json:"cleared"`
	TS       int64  `json:"ts"`
}

type alarmsResponse struct {
	Objects []alarmEntry `json:"objects"`
}

func (a *Adapter) alarms(ctx context.Context, token, deviceID string) ([]alarmEntry, error) {
	resp, err := a.http.Do(ctx, httpx.Request{
		Method: http.MethodGet,
		URL: fmt.Sprintf("%s/api/objects?q=%s",
			a.creds.BaseURL, url.QueryEscape(fmt.Sprintf("alarm and deviceRef==%s", deviceID))),
		Header:   authHeader(token),
		Expected: []int{http.StatusNoContent},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		_ = httpx.DecodeJSON(resp, nil)
		return nil, nil
	}
	var alarms alarmsResponse
	if err := httpx.DecodeJSON(resp, &alarms); err != nil {
		return nil, err
	}
	return alarms.Objects, nil
}

// convert applies KMC unit conversions: W to kW, kW/m2 to W/m2, Celsius to
// Fahrenheit. All outputs are rounded to 9 decimals.
func convert(tag telemetry.PointTag, value float64) float64 {
	switch tag {
	case telemetry.PointTagACPower, telemetry.PointTagDCPower:
		value = value / 1000
	case telemetry.PointTagIrradiance:
		value = value * 1000
	case telemetry.PointTagModuleTemp, telemetry.PointTagAmbientTemp:
		value = value*1.8 + 32
	}
	return telemetry.RoundValue(value)
}
