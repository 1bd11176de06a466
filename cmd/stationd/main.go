// TrailScore Station Core - offline-first scoring station gateway
//
// This is the main entry point for the station gateway that runs at each
// scoring post of a trail event. It keeps judges working through venue
// network outages:
//   - Judge login and token lifecycle are handled locally
//   - Scores land in a durable outbox and replay when connectivity returns
//   - Console assets and reference data are served from an on-disk cache
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/trailscore/station-core/migrations"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/api"
	"github.com/trailscore/station-core/internal/auth"
	"github.com/trailscore/station-core/internal/cache"
	"github.com/trailscore/station-core/internal/console"
	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/database"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
	"github.com/trailscore/station-core/internal/infrastructure/mqtt"
	"github.com/trailscore/station-core/internal/infrastructure/telemetry"
	"github.com/trailscore/station-core/internal/outbox"
	"github.com/trailscore/station-core/internal/upstream"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// queueDepthInterval is how often the pending-operation count is reported
// to telemetry.
const queueDepthInterval = time.Minute

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TrailScore station gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"station", cfg.Station.ID,
		"event", cfg.Station.EventID,
	)

	// Open database and run migrations
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Session registry: SQLite for a single gateway, Redis when several
	// gateways at a venue share sessions
	registry, err := buildRegistry(cfg, db, log)
	if err != nil {
		return err
	}

	// Expired session rows are swept periodically; the Redis backend expires
	// keys itself and makes this a no-op
	go sessionSweepLoop(ctx, registry, log)

	roster := auth.NewRoster(db.DB)
	issuer := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  cfg.Security.Tokens.AccessSecret,
		RefreshSecret: cfg.Security.Tokens.RefreshSecret,
		AccessTTL:     time.Duration(cfg.Security.Tokens.AccessTTL) * time.Minute,
		RefreshTTL:    time.Duration(cfg.Security.Tokens.RefreshTTL) * time.Minute,
	}, registry, roster)

	// Response cache for console assets and reference data
	var cacheStore *cache.Store
	var transport http.RoundTripper
	if cfg.Cache.Enabled {
		cacheStore = cache.NewStore(db.DB)

		apiHost, hostErr := hostOf(cfg.Upstream.BaseURL)
		if hostErr != nil {
			return fmt.Errorf("parsing upstream URL: %w", hostErr)
		}

		router := cache.NewRouter(
			cache.DefaultRules(apiHost),
			cacheStore,
			nil,
			time.Duration(cfg.Cache.NetworkTimeout)*time.Second,
		)
		router.SetLogger(log)
		transport = router

		// Periodic eviction keeps the cache within its retention window
		go evictLoop(ctx, cacheStore, time.Duration(cfg.Cache.MaxAge)*time.Hour, log)

		log.Info("response cache enabled",
			"api_host", apiHost,
			"max_age_hours", cfg.Cache.MaxAge,
		)
	} else {
		log.Info("response cache disabled")
	}

	// Central scoring service client; the cache router sits underneath so
	// GET traffic picks up offline fallbacks
	upstreamClient := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Station.ID,
		time.Duration(cfg.Upstream.Timeout)*time.Second,
		transport,
		log,
	)

	// Station service identity for outbox delivery. The service subject is
	// authorized directly rather than through the judge roster.
	serviceSubject := "station:" + cfg.Station.ID
	serviceIssuer := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:  cfg.Security.Tokens.AccessSecret,
		RefreshSecret: cfg.Security.Tokens.RefreshSecret,
		AccessTTL:     time.Duration(cfg.Security.Tokens.AccessTTL) * time.Minute,
		RefreshTTL:    time.Duration(cfg.Security.Tokens.RefreshTTL) * time.Minute,
	}, registry, serviceAuthorizer{subject: serviceSubject})
	tokens := auth.NewTokenSource(serviceIssuer, func(loginCtx context.Context) (*auth.TokenPair, error) {
		return serviceIssuer.Login(loginCtx, serviceSubject, cfg.Station.ID, cfg.Station.EventID)
	})

	// Durable outbox; operations claimed by a previous process go back to
	// queued before anything else runs
	queue := outbox.NewQueue(db.DB)
	recovered, err := queue.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recovering in-flight operations: %w", err)
	}
	if recovered > 0 {
		log.Info("requeued operations from previous run", "count", recovered)
	}

	// Telemetry (optional)
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to telemetry: %w", err)
		}
		defer func() {
			log.Info("closing telemetry connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing telemetry", "error", closeErr)
			}
		}()
		telemetryClient.SetOnError(func(err error) {
			log.Error("telemetry write error", "error", err)
		})
		log.Info("telemetry connected",
			"url", cfg.Telemetry.URL,
			"bucket", cfg.Telemetry.Bucket,
		)
	} else {
		log.Info("telemetry disabled")
	}

	// The WebSocket hub is created ahead of the API server so the
	// coordinator can broadcast flush summaries to consoles
	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	coordinator := outbox.NewCoordinator(
		queue,
		upstreamClient,
		tokens,
		hub,
		flushRecorder(telemetryClient, cfg.Station.ID),
		log,
		outbox.CoordinatorConfig{
			MaxAttempts:   cfg.Sync.MaxAttempts,
			BatchSize:     cfg.Sync.BatchSize,
			FlushDebounce: time.Duration(cfg.Sync.FlushDebounce) * time.Second,
		},
	)

	// Venue event bus (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		// A broker reconnect means the venue network is back; treat it as
		// a connectivity trigger for the outbox
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			coordinator.NotifyConnected()
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		// Event control can ask all stations to flush at once
		topic := mqtt.Topics{}.SyncFlushRequest()
		if subErr := mqttClient.Subscribe(topic, 1, func(_ string, _ []byte) error {
			log.Info("flush requested over venue bus")
			coordinator.NotifyConnected()
			return nil
		}); subErr != nil {
			log.Warn("failed to subscribe to flush requests", "error", subErr)
		}
	} else {
		log.Info("MQTT disabled")
	}

	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Station:     cfg.Station,
		Logger:      log,
		Issuer:      issuer,
		Roster:      roster,
		Queue:       queue,
		Coordinator: coordinator,
		MQTT:        mqttClient,
		Telemetry:   authRecorder(telemetryClient),
		Activity:    activity.NewRepository(db.DB),
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Upstream reachability probe; restoration triggers an outbox flush
	watcher := upstream.NewWatcher(
		upstreamClient,
		time.Duration(cfg.Upstream.ProbeInterval)*time.Second,
		coordinator.NotifyConnected,
		log,
	)
	go watcher.Run(ctx)

	// Queue depth reporting (telemetry only)
	if telemetryClient != nil {
		go depthLoop(ctx, queue, telemetryClient, cfg.Station.ID, log)
	}

	// Kiosk console (optional)
	if cfg.Console.Managed {
		supervisor := console.New(cfg.Console, log)
		if startErr := supervisor.Start(ctx); startErr != nil {
			return fmt.Errorf("starting console: %w", startErr)
		}
		defer func() {
			log.Info("stopping console")
			if stopErr := supervisor.Stop(); stopErr != nil {
				log.Error("error stopping console", "error", stopErr)
			}
		}()
	}

	// Verify infrastructure is healthy before declaring readiness
	if err := healthCheck(ctx, db, mqttClient, telemetryClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. Console (if managed)
	// 2. API server
	// 3. MQTT (if enabled)
	// 4. Telemetry (if enabled)
	// 5. Database

	log.Info("TrailScore station gateway stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TRAILSCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TRAILSCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildRegistry selects the session registry backend from config.
func buildRegistry(cfg *config.Config, db *database.DB, log *logging.Logger) (auth.SessionRegistry, error) {
	switch cfg.Security.Registry.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Security.Registry.Redis.Addr,
			Password: cfg.Security.Registry.Redis.Password,
			DB:       cfg.Security.Registry.Redis.DB,
		})
		log.Info("session registry: redis", "addr", cfg.Security.Registry.Redis.Addr)
		return auth.NewRedisSessionRegistry(client), nil
	case "", "sqlite":
		log.Info("session registry: sqlite")
		return auth.NewSQLiteSessionRegistry(db.DB), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Security.Registry.Backend)
	}
}

// hostOf extracts the host (without port) from a URL string.
func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// evictLoop deletes cache entries past the retention window, hourly.
func evictLoop(ctx context.Context, store *cache.Store, maxAge time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.DeleteOlderThan(ctx, maxAge)
			if err != nil {
				log.Warn("cache eviction failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Debug("cache entries evicted", "count", deleted)
			}
		}
	}
}

// sessionSweepLoop deletes expired session rows from the registry, hourly.
func sessionSweepLoop(ctx context.Context, registry auth.SessionRegistry, log *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := registry.DeleteExpired(ctx)
			if err != nil {
				log.Warn("session sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				log.Debug("expired sessions deleted", "count", deleted)
			}
		}
	}
}

// depthLoop reports the pending-operation count to telemetry periodically.
func depthLoop(ctx context.Context, queue *outbox.Queue, tc *telemetry.Client, stationID string, log *logging.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := queue.PendingCount(ctx)
			if err != nil {
				log.Warn("failed to read queue depth", "error", err)
				continue
			}
			tc.RecordQueueDepth(stationID, depth)
		}
	}
}

// healthCheck verifies infrastructure connections are healthy.
// mqttClient and telemetryClient may be nil if disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, telemetryClient *telemetry.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if telemetryClient != nil {
		if err := telemetryClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	return nil
}

// serviceAuthorizer authorizes only the gateway's own service subject.
// The judge roster never contains the service identity, so the delivery
// issuer uses this instead.
type serviceAuthorizer struct {
	subject string
}

func (a serviceAuthorizer) IsAuthorized(_ context.Context, judgeID, _, _ string) (bool, error) {
	return judgeID == a.subject, nil
}

// flushRecorder adapts the telemetry client to the coordinator's Recorder
// interface. Returns nil (no recording) when telemetry is disabled.
func flushRecorder(tc *telemetry.Client, stationID string) outbox.Recorder {
	if tc == nil {
		return nil
	}
	return recorderFunc(func(result outbox.FlushResult) {
		tc.RecordFlush(stationID, result.Acked, result.Retried, result.Surfaced, result.Remaining)
	})
}

// recorderFunc adapts a function to outbox.Recorder.
type recorderFunc func(outbox.FlushResult)

func (f recorderFunc) RecordFlush(result outbox.FlushResult) { f(result) }

// authRecorder adapts the telemetry client to the API server's Telemetry
// interface, preserving the nil check across the interface boundary.
func authRecorder(tc *telemetry.Client) api.Telemetry {
	if tc == nil {
		return nil
	}
	return tc
}
