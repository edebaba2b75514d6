// Package process is the reconciliation job: rebuild the ID map, refresh the
// warehouse refinements and fan out merge-and-push across environments.
package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rea-telemetry/internal/observability/metrics"
)

// Mapper rebuilds the external-to-internal ID map.
type Mapper interface {
	Rebuild(ctx context.Context) (int, error)
}

// Warehouse is the merge surface of the analytical store.
type Warehouse interface {
	InstallRefinements(ctx context.Context) error
	EnsureAlertsTable(ctx context.Context, environment string) error
	MergeAlerts(ctx context.Context, environment string, from, to time.Time) (int64, error)
}

// Pusher delivers an environment's unpushed alerts.
type Pusher interface {
	Push(ctx context.Context, environment string) (int, error)
}

// Clock provides merge window ends.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Runner executes one process run. Environments are independent: each runs in
// its own goroutine and every failure is collected, so a broken staging merge
// never hides a broken production one.
type Runner struct {
	mapper        Mapper
	warehouse     Warehouse
	pusher        Pusher
	environments  []string
	mergeLookback time.Duration
	clock         Clock
	logger        *log.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithMergeLookback bounds how far back a merge scans refined alerts. The
// default equals the deepest fetch backfill, so every raw alert a first fetch
// can produce is eligible for the merge.
func WithMergeLookback(lookback time.Duration) Option {
	return func(r *Runner) {
		if lookback > 0 {
			r.mergeLookback = lookback
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner constructs a runner.
func NewRunner(mapper Mapper, warehouse Warehouse, pusher Pusher, environments []string, opts ...Option) (*Runner, error) {
	if mapper == nil || warehouse == nil || pusher == nil {
		return nil, errors.New("process: nil collaborator")
	}
	if len(environments) == 0 {
		return nil, errors.New("process: no environments")
	}
	r := &Runner{
		mapper:        mapper,
		warehouse:     warehouse,
		pusher:        pusher,
		environments:  environments,
		mergeLookback: 2 * 365 * 24 * time.Hour,
		clock:         systemClock{},
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the full reconciliation: ID map rebuild and refinement install
// first, then merge and push per environment concurrently.
func (r *Runner) Run(ctx context.Context) error {
	started := r.clock.Now()
	err := r.run(ctx)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveProcess(result, r.clock.Now().Sub(started))
	return err
}

func (r *Runner) run(ctx context.Context) error {
	rows, err := r.mapper.Rebuild(ctx)
	if err != nil {
		return fmt.Errorf("process: rebuild id map: %w", err)
	}
	metrics.SetIDMapRows(rows)
	r.logger.Printf("process: id map rebuilt rows=%d", rows)

	if err := r.warehouse.InstallRefinements(ctx); err != nil {
		return fmt.Errorf("process: install refinements: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for _, environment := range r.environments {
		wg.Add(1)
		go func(env string) {
			defer wg.Done()
			if err := r.processEnvironment(ctx, env); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}(environment)
	}
	wg.Wait()

	return errors.Join(failures...)
}

func (r *Runner) processEnvironment(ctx context.Context, environment string) error {
	if err := r.warehouse.EnsureAlertsTable(ctx, environment); err != nil {
		return fmt.Errorf("process: ensure alerts table for %s: %w", environment, err)
	}

	to := r.clock.Now()
	merged, err := r.warehouse.MergeAlerts(ctx, environment, to.Add(-r.mergeLookback), to)
	if err != nil {
		return fmt.Errorf("process: merge alerts for %s: %w", environment, err)
	}
	metrics.AddMergedAlerts(environment, merged)
	r.logger.Printf("process: env=%s merged=%d", environment, merged)

	pushed, err := r.pusher.Push(ctx, environment)
	if err != nil {
		metrics.IncPushResult(environment, metrics.ResultError)
		return fmt.Errorf("process: push alerts for %s: %w", environment, err)
	}
	metrics.IncPushResult(environment, metrics.ResultSuccess)
	r.logger.Printf("process: env=%s pushed=%d", environment, pushed)
	return nil
}
