package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"rea-telemetry/internal/secrets"
	"rea-telemetry/internal/warehouse"
)

// AlertSource reads and marks per-environment alert rows.
type AlertSource interface {
	SelectUnpushed(ctx context.Context, environment string) ([]warehouse.AlertRow, error)
	MarkPushed(ctx context.Context, environment string, ids []int64, pushedAt time.Time) error
}

// Sender delivers one alert to the platform.
type Sender interface {
	PushAlert(ctx context.Context, apiKey string, row warehouse.AlertRow) (Outcome, error)
}

// Clock provides push timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Pusher delivers every unpushed alert of one environment. A row is marked
// pushed only on a confirmed outcome, so rows behind transient failures stay
// eligible for the next run. The API key is re-resolved per row to pick up
// mid-run rotation.
type Pusher struct {
	source  AlertSource
	sender  Sender
	secrets secrets.Store
	project string
	clock   Clock
	logger  *log.Logger
}

// PusherOption configures the pusher.
type PusherOption func(*Pusher)

// WithClock overrides the default clock.
func WithClock(clock Clock) PusherOption {
	return func(p *Pusher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) PusherOption {
	return func(p *Pusher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPusher constructs a pusher.
func NewPusher(source AlertSource, sender Sender, secretStore secrets.Store, project string, opts ...PusherOption) (*Pusher, error) {
	if source == nil || sender == nil || secretStore == nil {
		return nil, errors.New("platform: nil collaborator")
	}
	if project == "" {
		return nil, errors.New("platform: empty project")
	}
	p := &Pusher{
		source:  source,
		sender:  sender,
		secrets: secretStore,
		project: project,
		clock:   systemClock{},
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Push delivers the environment's unpushed alerts and returns the number of
// rows confirmed. Per-row failures are collected and joined after the whole
// batch has been attempted; one failing row never blocks the rest.
func (p *Pusher) Push(ctx context.Context, environment string) (int, error) {
	rows, err := p.source.SelectUnpushed(ctx, environment)
	if err != nil {
		return 0, fmt.Errorf("platform: select unpushed for %s: %w", environment, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var (
		confirmed []int64
		failures  []error
	)
	for _, row := range rows {
		apiKey, err := p.secrets.AccessSecret(ctx, p.project, secrets.PlatformKeyName(environment))
		if err != nil {
			p.logger.Printf("platform: env=%s alert id=%d device=%s external=%s key resolve failed: %v",
				environment, row.ID, row.DeviceID, row.ExternalID, err)
			failures = append(failures, fmt.Errorf("alert id=%d: %w", row.ID, err))
			continue
		}
		outcome, err := p.sender.PushAlert(ctx, apiKey, row)
		if err != nil {
			p.logger.Printf("platform: env=%s alert id=%d device=%s external=%s push failed: %v",
				environment, row.ID, row.DeviceID, row.ExternalID, err)
			failures = append(failures, fmt.Errorf("alert id=%d: %w", row.ID, err))
			continue
		}
		if outcome == OutcomeUnknownDevice {
			p.logger.Printf("platform: env=%s alert id=%d device=%s unknown to platform, marking pushed",
				environment, row.ID, row.DeviceID)
		}
		confirmed = append(confirmed, row.ID)
	}

	if len(confirmed) > 0 {
		if err := p.source.MarkPushed(ctx, environment, confirmed, p.clock.Now()); err != nil {
			failures = append(failures, fmt.Errorf("mark pushed: %w", err))
		}
	}
	return len(confirmed), errors.Join(failures...)
}
