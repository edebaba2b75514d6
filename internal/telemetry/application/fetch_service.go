// Package application orchestrates telemetry fetching across tenant
// configuration: it resolves credentials, builds provider adapters and drains
// their payload sequences into the warehouse.
package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"rea-telemetry/internal/observability/metrics"
	"rea-telemetry/internal/secrets"
	telemetry "rea-telemetry/internal/telemetry/domain"
	"rea-telemetry/internal/tenantcfg"
)

// Adapter is one provider's fetch surface. Sequences are lazy: consuming them
// drives the vendor calls, and checkpoint commits happen at exhaustion.
type Adapter interface {
	Provider() telemetry.Provider
	FetchPoints(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.PointPayload, error]
	FetchAlerts(ctx context.Context, siteID, deviceID string) iter.Seq2[telemetry.AlertPayload, error]
}

// AdapterFactory builds an adapter for a provider from its raw credential
// document.
type AdapterFactory func(provider telemetry.Provider, credentials string) (Adapter, error)

// RawStore appends payload batches to the raw warehouse tables.
type RawStore interface {
	AppendPoints(ctx context.Context, points []telemetry.PointPayload) error
	AppendAlerts(ctx context.Context, alerts []telemetry.AlertPayload) error
}

// Feed publishes appended payload batches to downstream consumers. Optional.
type Feed interface {
	PublishPoints(ctx context.Context, points []telemetry.PointPayload) error
	PublishAlerts(ctx context.Context, alerts []telemetry.AlertPayload) error
}

// Summary reports one fetch run.
type Summary struct {
	Devices int
	Points  int
	Alerts  int
}

// FetchService walks tenant configuration and fetches every configured device.
type FetchService struct {
	source       tenantcfg.Source
	secrets      secrets.Store
	factory      AdapterFactory
	store        RawStore
	feed         Feed
	environments []string
	project      string
	batchSize    int
	logger       *log.Logger
}

// FetchOption configures the service.
type FetchOption func(*FetchService)

// WithFeed attaches a downstream feed.
func WithFeed(feed Feed) FetchOption {
	return func(s *FetchService) {
		s.feed = feed
	}
}

// WithBatchSize overrides the warehouse append batch size.
func WithBatchSize(size int) FetchOption {
	return func(s *FetchService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) FetchOption {
	return func(s *FetchService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewFetchService constructs a fetch service.
func NewFetchService(source tenantcfg.Source, secretStore secrets.Store, factory AdapterFactory, store RawStore, environments []string, project string, opts ...FetchOption) (*FetchService, error) {
	if source == nil || secretStore == nil || factory == nil || store == nil {
		return nil, errors.New("application: nil collaborator")
	}
	if len(environments) == 0 {
		return nil, errors.New("application: no environments")
	}
	if project == "" {
		return nil, errors.New("application: empty project")
	}
	s := &FetchService{
		source:       source,
		secrets:      secretStore,
		factory:      factory,
		store:        store,
		environments: environments,
		project:      project,
		batchSize:    500,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run fetches every configured device across all environments. Per-device
// failures are collected and joined after the whole run; an offline vendor
// never blocks the rest of the fleet. Devices answering with no data at all
// are logged and skipped, their cursors stay put for the next run.
func (s *FetchService) Run(ctx context.Context) (Summary, error) {
	var (
		summary  Summary
		failures []error
	)

	for _, environment := range s.environments {
		err := s.source.Stream(ctx, environment, func(company tenantcfg.Company) error {
			for _, site := range company.Sites {
				if site.Connection == "" {
					continue
				}
				connection, ok := company.ConnectionByName(site.Connection)
				if !ok {
					s.logger.Printf("fetch: company=%s site=%s references unknown connection %q, skipping",
						company.ID, site.ID, site.Connection)
					continue
				}
				provider, ok := telemetry.ParseProvider(connection.Provider)
				if !ok {
					s.logger.Printf("fetch: company=%s connection=%s has unsupported provider %q, skipping",
						company.ID, connection.Name, connection.Provider)
					continue
				}

				adapter, err := s.buildAdapter(ctx, provider, connection.ExternalSiteID)
				if err != nil {
					failures = append(failures, fmt.Errorf("site %s: %w", site.ID, err))
					continue
				}

				for _, device := range site.Devices {
					if device.ExternalID == "" {
						continue
					}
					summary.Devices++
					points, alerts, err := s.fetchDevice(ctx, adapter, connection.ExternalSiteID, device.ExternalID)
					summary.Points += points
					summary.Alerts += alerts
					if err != nil {
						failures = append(failures, fmt.Errorf("device %s/%s: %w", site.ID, device.ID, err))
					}
				}
			}
			return nil
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("environment %s: %w", environment, err))
		}
	}

	return summary, errors.Join(failures...)
}

func (s *FetchService) buildAdapter(ctx context.Context, provider telemetry.Provider, externalSiteID string) (Adapter, error) {
	credentials, err := s.secrets.AccessSecret(ctx, s.project, secrets.ProviderCredentialsName(string(provider), externalSiteID))
	if err != nil {
		return nil, err
	}
	return s.factory(provider, credentials)
}

func (s *FetchService) fetchDevice(ctx context.Context, adapter Adapter, siteID, deviceID string) (int, int, error) {
	provider := string(adapter.Provider())

	started := time.Now()
	points, err := s.drainPoints(ctx, adapter, siteID, deviceID)
	switch {
	case errors.Is(err, telemetry.ErrDataUnavailable):
		s.logger.Printf("fetch: provider=%s site=%s device=%s reported no point data", provider, siteID, deviceID)
		metrics.ObserveFetch(provider, "points", "no_data", time.Since(started))
		err = nil
	case err != nil:
		metrics.ObserveFetch(provider, "points", metrics.ResultError, time.Since(started))
		return points, 0, err
	default:
		metrics.ObserveFetch(provider, "points", metrics.ResultSuccess, time.Since(started))
		metrics.AddPointsEmitted(provider, points)
	}

	started = time.Now()
	alerts, err := s.drainAlerts(ctx, adapter, siteID, deviceID)
	if err != nil {
		metrics.ObserveFetch(provider, "alerts", metrics.ResultError, time.Since(started))
		return points, alerts, err
	}
	metrics.ObserveFetch(provider, "alerts", metrics.ResultSuccess, time.Since(started))
	metrics.AddAlertsEmitted(provider, alerts)
	return points, alerts, nil
}

func (s *FetchService) drainPoints(ctx context.Context, adapter Adapter, siteID, deviceID string) (int, error) {
	total := 0
	batch := make([]telemetry.PointPayload, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.AppendPoints(ctx, batch); err != nil {
			return err
		}
		if s.feed != nil {
			if err := s.feed.PublishPoints(ctx, batch); err != nil {
				s.logger.Printf("fetch: feed publish points failed: %v", err)
			}
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for payload, err := range adapter.FetchPoints(ctx, siteID, deviceID) {
		if err != nil {
			return total, err
		}
		batch = append(batch, payload)
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}

func (s *FetchService) drainAlerts(ctx context.Context, adapter Adapter, siteID, deviceID string) (int, error) {
	total := 0
	batch := make([]telemetry.AlertPayload, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.AppendAlerts(ctx, batch); err != nil {
			return err
		}
		if s.feed != nil {
			if err := s.feed.PublishAlerts(ctx, batch); err != nil {
				s.logger.Printf("fetch: feed publish alerts failed: %v", err)
			}
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for payload, err := range adapter.FetchAlerts(ctx, siteID, deviceID) {
		if err != nil {
			return total, err
		}
		batch = append(batch, payload)
		if len(batch) >= s.batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	return total, flush()
}
