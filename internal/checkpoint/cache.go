package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"rea-telemetry/internal/interval"
	telemetry "rea-telemetry/internal/telemetry/domain"
)

const (
	collection = "fetch_checkpoints"

	categoryPoints = "points"
	categoryAlerts = "alerts"
)

// Clock provides time for window computation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Cache computes fetch windows from persisted cursors. A cycle's new cursor
// position is the "now" captured at Begin time and is written only when the
// caller commits, so a failed fetch retries from the same starting point.
type Cache struct {
	store          Store
	maxHistory     time.Duration
	maxPointWindow time.Duration
	disablePersist bool
	clock          Clock
	logger         *log.Logger
}

// Option configures the cache.
type Option func(*Cache)

// WithMaxHistory bounds the default lookback for absent cursors.
func WithMaxHistory(depth time.Duration) Option {
	return func(c *Cache) {
		if depth > 0 {
			c.maxHistory = depth
		}
	}
}

// WithMaxPointWindow bounds the width of a single point-fetch sub-window.
func WithMaxPointWindow(width time.Duration) Option {
	return func(c *Cache) {
		if width > 0 {
			c.maxPointWindow = width
		}
	}
}

// WithDisablePersist skips cursor writes entirely. This is the documented
// escape hatch for non-production runs: local invocations never advance the
// shared cursor.
func WithDisablePersist(disabled bool) Option {
	return func(c *Cache) {
		c.disablePersist = disabled
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache constructs a checkpoint cache.
func NewCache(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("checkpoint: nil store")
	}
	cache := &Cache{
		store:          store,
		maxHistory:     2 * 365 * 24 * time.Hour,
		maxPointWindow: 7 * 24 * time.Hour,
		clock:          systemClock{},
		logger:         log.Default(),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache, nil
}

type alertsDocument struct {
	LastFetchTS string `json:"last_fetch_ts"`
}

type pointsDocument struct {
	LastFetchTSByTag map[string]string `json:"last_fetch_ts_by_tag"`
}

// AlertCycle is one alert-fetch cycle: a single window plus an explicit commit.
type AlertCycle struct {
	Window interval.Window

	cache *Cache
	key   string
	now   time.Time
}

// Commit persists the cycle's end timestamp as the new cursor.
func (c *AlertCycle) Commit(ctx context.Context) error {
	doc, err := json.Marshal(alertsDocument{LastFetchTS: c.now.Format(time.RFC3339Nano)})
	if err != nil {
		return err
	}
	return c.cache.persist(ctx, c.key, doc)
}

// PointCycle is one point-fetch cycle: per-tag window lists plus a single
// commit covering every tag, so a partial per-tag failure skips the whole
// device's cursor advance.
type PointCycle struct {
	Windows map[telemetry.PointTag][]interval.Window

	cache *Cache
	key   string
	tags  []telemetry.PointTag
	now   time.Time
}

// Commit persists the cycle's end timestamp for all requested tags in one
// document write.
func (c *PointCycle) Commit(ctx context.Context) error {
	byTag := make(map[string]string, len(c.tags))
	for _, tag := range c.tags {
		byTag[string(tag)] = c.now.Format(time.RFC3339Nano)
	}
	doc, err := json.Marshal(pointsDocument{LastFetchTSByTag: byTag})
	if err != nil {
		return err
	}
	return c.cache.persist(ctx, c.key, doc)
}

// BeginAlerts computes the alert-fetch window for the device. A missing cursor
// defaults to now minus the configured maximum history depth.
func (c *Cache) BeginAlerts(ctx context.Context, provider telemetry.Provider, siteID, deviceID string) (*AlertCycle, error) {
	if siteID == "" || deviceID == "" {
		return nil, errors.New("checkpoint: empty site or device id")
	}
	key := documentKey(provider, siteID, deviceID, categoryAlerts)
	now := c.clock.Now()
	cursor := now.Add(-c.maxHistory)

	raw, found, err := c.store.GetDocument(ctx, collection, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", key, err)
	}
	if found {
		var doc alertsDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", key, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, doc.LastFetchTS); err == nil {
			cursor = ts
		}
	}

	return &AlertCycle{
		Window: interval.Window{Start: cursor, End: now},
		cache:  c,
		key:    key,
		now:    now,
	}, nil
}

// BeginPoints computes per-tag point-fetch windows for the device. Tags the
// cursor document has never seen default to the maximum history depth and are
// split independently, because a tag the adapter only just started tracking may
// need a far deeper backfill than the rest.
func (c *Cache) BeginPoints(ctx context.Context, provider telemetry.Provider, siteID, deviceID string, tags []telemetry.PointTag) (*PointCycle, error) {
	if siteID == "" || deviceID == "" {
		return nil, errors.New("checkpoint: empty site or device id")
	}
	if len(tags) == 0 {
		return nil, errors.New("checkpoint: no point tags requested")
	}
	key := documentKey(provider, siteID, deviceID, categoryPoints)
	now := c.clock.Now()

	var doc pointsDocument
	raw, found, err := c.store.GetDocument(ctx, collection, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", key, err)
	}
	if found {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", key, err)
		}
	}

	windows := make(map[telemetry.PointTag][]interval.Window, len(tags))
	for _, tag := range tags {
		cursor := now.Add(-c.maxHistory)
		if raw, ok := doc.LastFetchTSByTag[string(tag)]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				cursor = ts
			}
		}
		windows[tag] = interval.Split(cursor, now, c.maxPointWindow)
	}

	return &PointCycle{
		Windows: windows,
		cache:   c,
		key:     key,
		tags:    tags,
		now:     now,
	}, nil
}

func (c *Cache) persist(ctx context.Context, key string, doc []byte) error {
	if c.disablePersist {
		c.logger.Printf("checkpoint: persistence disabled, skipping commit key=%s", key)
		return nil
	}
	if err := c.store.SetDocument(ctx, collection, key, doc); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", key, err)
	}
	return nil
}

func documentKey(provider telemetry.Provider, siteID, deviceID, category string) string {
	return fmt.Sprintf("%s:%s:%s:%s", provider, siteID, deviceID, category)
}
