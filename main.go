package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"rea-telemetry/internal/checkpoint"
	"rea-telemetry/internal/feed"
	"rea-telemetry/internal/httpx"
	"rea-telemetry/internal/idmap"
	"rea-telemetry/internal/observability/metrics"
	"rea-telemetry/internal/platform"
	"rea-telemetry/internal/process"
	"rea-telemetry/internal/providers/alsoenergy"
	"rea-telemetry/internal/providers/kmc"
	"rea-telemetry/internal/secrets"
	"rea-telemetry/internal/telemetry/application"
	telemetry "rea-telemetry/internal/telemetry/domain"
	jobshttp "rea-telemetry/internal/telemetry/interfaces/http"
	"rea-telemetry/internal/tenantcfg"
	"rea-telemetry/internal/warehouse"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	ctx := context.Background()

	store, err := checkpoint.NewStore(checkpoint.StoreConfig{Driver: cfg.CheckpointDriver, DSN: cfg.CheckpointDSN})
	if err != nil {
		logger.Fatalf("checkpoint store error: %v", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Fatalf("checkpoint init error: %v", err)
	}

	checkpointOpts := []checkpoint.Option{
		checkpoint.WithMaxHistory(cfg.MaxHistory),
		checkpoint.WithMaxPointWindow(cfg.MaxPointWindow),
		checkpoint.WithLogger(logger),
	}
	if cfg.DisableCheckpointPersist {
		logger.Printf("checkpoint persistence disabled, cursors will not advance")
		checkpointOpts = append(checkpointOpts, checkpoint.WithDisablePersist(true))
	}
	checkpoints, err := checkpoint.NewCache(store, checkpointOpts...)
	if err != nil {
		logger.Fatalf("checkpoint cache error: %v", err)
	}

	wh, err := warehouse.NewPostgres(db, warehouse.WithLogger(logger))
	if err != nil {
		logger.Fatalf("warehouse error: %v", err)
	}
	if err := wh.EnsureRawTables(ctx); err != nil {
		logger.Fatalf("warehouse schema error: %v", err)
	}

	source, err := tenantcfg.NewFileSource(cfg.TenantConfigRoot)
	if err != nil {
		logger.Fatalf("tenant config error: %v", err)
	}
	secretStore := secrets.NewEnvStore(cfg.SecretPrefix)

	tokens := httpx.NewTokenCache(cfg.TokenTTL)
	factory := buildAdapterFactory(tokens, checkpoints, logger)

	fetchOpts := []application.FetchOption{application.WithLogger(logger)}
	if cfg.FeedConfigFile != "" {
		feedCfg, err := loadFeedConfig(cfg.FeedConfigFile)
		if err != nil {
			logger.Fatalf("feed config error: %v", err)
		}
		kafkaFeed, err := feed.NewKafka(feedCfg, logger)
		if err != nil {
			logger.Fatalf("feed error: %v", err)
		}
		defer kafkaFeed.Close()
		fetchOpts = append(fetchOpts, application.WithFeed(kafkaFeed))
	}

	fetchService, err := application.NewFetchService(source, secretStore, factory, wh, cfg.Environments, cfg.Project, fetchOpts...)
	if err != nil {
		logger.Fatalf("fetch service error: %v", err)
	}

	mapper, err := idmap.NewBuilder(source, wh, cfg.Environments, logger)
	if err != nil {
		logger.Fatalf("id map builder error: %v", err)
	}

	pushers := make(map[string]*platform.Pusher, len(cfg.Environments))
	platformHTTP := httpx.NewClient(httpx.WithLogger(logger), httpx.WithBreaker("platform"))
	for _, environment := range cfg.Environments {
		baseURL := platformBaseURL(environment)
		if baseURL == "" {
			logger.Fatalf("no platform base url configured for environment %s", environment)
		}
		client, err := platform.NewClient(baseURL, platformHTTP)
		if err != nil {
			logger.Fatalf("platform client error: %v", err)
		}
		pusher, err := platform.NewPusher(wh, client, secretStore, cfg.Project, platform.WithLogger(logger))
		if err != nil {
			logger.Fatalf("platform pusher error: %v", err)
		}
		pushers[environment] = pusher
	}

	runner, err := process.NewRunner(mapper, wh, &multiPusher{pushers: pushers}, cfg.Environments,
		process.WithMergeLookback(cfg.MergeLookback),
		process.WithLogger(logger))
	if err != nil {
		logger.Fatalf("process runner error: %v", err)
	}

	jobsHandler, err := jobshttp.NewHandler(fetchService, runner, wh)
	if err != nil {
		logger.Fatalf("jobs handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/jobs/telemetry/fetch", jobsHandler)
	mux.Handle("/jobs/telemetry/process", jobsHandler)
	mux.Handle("/exports/alerts", jobsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

// buildAdapterFactory decodes a provider's credential document and constructs
// the matching adapter. Each provider gets its own breaker so one flapping
// vendor never opens the other's circuit.
func buildAdapterFactory(tokens *httpx.TokenCache, checkpoints *checkpoint.Cache, logger *log.Logger) application.AdapterFactory {
	kmcHTTP := httpx.NewClient(httpx.WithLogger(logger), httpx.WithBreaker("kmc"))
	alsoHTTP := httpx.NewClient(httpx.WithLogger(logger), httpx.WithBreaker("also_energy"))

	return func(provider telemetry.Provider, credentials string) (application.Adapter, error) {
		switch provider {
		case telemetry.ProviderKMC:
			var creds kmc.Credentials
			if err := json.Unmarshal([]byte(credentials), &creds); err != nil {
				return nil, fmt.Errorf("decode kmc credentials: %w", err)
			}
			return kmc.New(creds, kmcHTTP, tokens, checkpoints, kmc.WithLogger(logger))
		case telemetry.ProviderAlsoEnergy:
			var creds alsoenergy.Credentials
			if err := json.Unmarshal([]byte(credentials), &creds); err != nil {
				return nil, fmt.Errorf("decode also energy credentials: %w", err)
			}
			return alsoenergy.New(creds, alsoHTTP, tokens, checkpoints, alsoenergy.WithLogger(logger))
		default:
			return nil, fmt.Errorf("unsupported provider %s", provider)
		}
	}
}

// multiPusher routes a push to the environment's platform pusher.
type multiPusher struct {
	pushers map[string]*platform.Pusher
}

func (m *multiPusher) Push(ctx context.Context, environment string) (int, error) {
	pusher, ok := m.pushers[environment]
	if !ok {
		return 0, errors.New("no pusher for environment " + environment)
	}
	return pusher.Push(ctx, environment)
}

type config struct {
	DatabaseURL              string
	HTTPAddr                 string
	Environments             []string
	Project                  string
	SecretPrefix             string
	TenantConfigRoot         string
	CheckpointDriver         string
	CheckpointDSN            string
	DisableCheckpointPersist bool
	MaxHistory               time.Duration
	MaxPointWindow           time.Duration
	MergeLookback            time.Duration
	TokenTTL                 time.Duration
	FeedConfigFile           string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:              getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:                 getenvDefault("HTTP_ADDR", ":8080"),
		Environments:             splitList(getenvDefault("ENVIRONMENTS", "production")),
		Project:                  getenvDefault("SECRET_PROJECT", "solar"),
		SecretPrefix:             getenvDefault("SECRET_PREFIX", "SECRET"),
		TenantConfigRoot:         getenvDefault("TENANT_CONFIG_ROOT", "./config/tenants"),
		CheckpointDriver:         getenvDefault("CHECKPOINT_DRIVER", "sqlite"),
		CheckpointDSN:            getenvDefault("CHECKPOINT_DSN", "checkpoints.db"),
		DisableCheckpointPersist: getenvBoolDefault("CHECKPOINT_DISABLE_PERSIST", false),
		MaxHistory:               getenvDuration("FETCH_MAX_HISTORY", 2*365*24*time.Hour),
		MaxPointWindow:           getenvDuration("FETCH_MAX_POINT_WINDOW", 7*24*time.Hour),
		MergeLookback:            getenvDuration("MERGE_LOOKBACK", 0),
		TokenTTL:                 getenvDuration("TOKEN_TTL", 10*time.Minute),
		FeedConfigFile:           getenvDefault("FEED_CONFIG_FILE", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if len(cfg.Environments) == 0 {
		log.Fatal("ENVIRONMENTS is required")
	}
	// the merge must cover everything a backfill can fetch, or old alerts are
	// never merged
	if cfg.MergeLookback <= 0 {
		cfg.MergeLookback = cfg.MaxHistory
	}
	return cfg
}

// platformBaseURL resolves the environment's platform API root: the
// per-environment variable wins, PLATFORM_BASE_URL is the shared fallback.
func platformBaseURL(environment string) string {
	key := "PLATFORM_BASE_URL_" + strings.ToUpper(strings.ReplaceAll(environment, "-", "_"))
	if value := os.Getenv(key); value != "" {
		return value
	}
	return os.Getenv("PLATFORM_BASE_URL")
}

func loadFeedConfig(path string) (feed.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return feed.Config{}, err
	}
	var cfg feed.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return feed.Config{}, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			values = append(values, part)
		}
	}
	return values
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
