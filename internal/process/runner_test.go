package process

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubMapper struct {
	rows int
	err  error
}

func (m *stubMapper) Rebuild(context.Context) (int, error) { return m.rows, m.err }

type stubWarehouse struct {
	mu        sync.Mutex
	installed bool
	ensured   []string
	merged    []string
	mergeFrom time.Time
	mergeTo   time.Time
	mergeErrs map[string]error
}

func (w *stubWarehouse) InstallRefinements(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.installed = true
	return nil
}

func (w *stubWarehouse) EnsureAlertsTable(_ context.Context, environment string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensured = append(w.ensured, environment)
	return nil
}

func (w *stubWarehouse) MergeAlerts(_ context.Context, environment string, from, to time.Time) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.mergeErrs[environment]; err != nil {
		return 0, err
	}
	w.merged = append(w.merged, environment)
	w.mergeFrom = from
	w.mergeTo = to
	return 3, nil
}

type stubPusher struct {
	mu     sync.Mutex
	pushed []string
	errs   map[string]error
}

func (p *stubPusher) Push(_ context.Context, environment string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[environment]; err != nil {
		return 0, err
	}
	p.pushed = append(p.pushed, environment)
	return 1, nil
}

func newRunner(t *testing.T, mapper *stubMapper, warehouse *stubWarehouse, pusher *stubPusher, environments []string, now time.Time) *Runner {
	t.Helper()
	runner, err := NewRunner(mapper, warehouse, pusher, environments,
		WithClock(fixedClock{now}),
		WithMergeLookback(7*24*time.Hour),
		WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner
}

func TestRunProcessesAllEnvironments(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mapper := &stubMapper{rows: 12}
	warehouse := &stubWarehouse{}
	pusher := &stubPusher{}
	runner := newRunner(t, mapper, warehouse, pusher, []string{"prod", "staging"}, now)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !warehouse.installed {
		t.Error("refinements not installed")
	}
	sort.Strings(warehouse.merged)
	sort.Strings(pusher.pushed)
	if strings.Join(warehouse.merged, ",") != "prod,staging" {
		t.Errorf("merged = %v, want both environments", warehouse.merged)
	}
	if strings.Join(pusher.pushed, ",") != "prod,staging" {
		t.Errorf("pushed = %v, want both environments", pusher.pushed)
	}
	if !warehouse.mergeTo.Equal(now) || !warehouse.mergeFrom.Equal(now.Add(-7*24*time.Hour)) {
		t.Errorf("merge window = [%v, %v], want lookback of 7 days ending now", warehouse.mergeFrom, warehouse.mergeTo)
	}
}

func TestRunDefaultMergeWindowCoversFullBackfill(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	warehouse := &stubWarehouse{}
	runner, err := NewRunner(&stubMapper{rows: 1}, warehouse, &stubPusher{}, []string{"prod"},
		WithClock(fixedClock{now}),
		WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// a first fetch backfills up to two years of raw alerts; the default merge
	// window must reach at least as far or old alerts are stranded unmerged
	wantFrom := now.Add(-2 * 365 * 24 * time.Hour)
	if !warehouse.mergeFrom.Equal(wantFrom) {
		t.Fatalf("merge from = %v, want %v (full backfill depth)", warehouse.mergeFrom, wantFrom)
	}
	if !warehouse.mergeTo.Equal(now) {
		t.Fatalf("merge to = %v, want %v", warehouse.mergeTo, now)
	}
}

func TestRunRebuildFailureStopsEarly(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mapper := &stubMapper{err: errors.New("config bucket gone")}
	warehouse := &stubWarehouse{}
	runner := newRunner(t, mapper, warehouse, &stubPusher{}, []string{"prod"}, now)

	if err := runner.Run(context.Background()); err == nil {
		t.Fatal("expected rebuild error")
	}
	if warehouse.installed {
		t.Error("refinements installed despite failed rebuild")
	}
}

func TestRunCollectsAllEnvironmentFailures(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	mapper := &stubMapper{rows: 1}
	warehouse := &stubWarehouse{mergeErrs: map[string]error{"prod": errors.New("merge deadlock")}}
	pusher := &stubPusher{errs: map[string]error{"staging": errors.New("platform down")}}
	runner := newRunner(t, mapper, warehouse, pusher, []string{"prod", "staging", "dev"}, now)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected joined environment errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "merge deadlock") || !strings.Contains(msg, "platform down") {
		t.Fatalf("error = %v, want both environment failures reported", err)
	}
	if len(pusher.pushed) != 1 || pusher.pushed[0] != "dev" {
		t.Errorf("pushed = %v, want dev to complete despite sibling failures", pusher.pushed)
	}
}
