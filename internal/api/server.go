package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trailscore/station-core/internal/activity"
	"github.com/trailscore/station-core/internal/auth"
	"github.com/trailscore/station-core/internal/infrastructure/config"
	"github.com/trailscore/station-core/internal/infrastructure/logging"
	"github.com/trailscore/station-core/internal/infrastructure/mqtt"
	"github.com/trailscore/station-core/internal/outbox"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Telemetry receives auth outcomes for dashboards. Optional.
type Telemetry interface {
	RecordAuth(stationID, outcome string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Station     config.StationConfig
	Logger      *logging.Logger
	Issuer      *auth.Issuer
	Roster      *auth.Roster
	Queue       *outbox.Queue
	Coordinator *outbox.Coordinator
	MQTT        *mqtt.Client         // optional: score announcements on the venue bus
	Telemetry   Telemetry            // optional
	Activity    *activity.Repository // optional: local activity log
	ExternalHub *Hub                 // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for the station gateway.
//
// It manages the HTTP listener, routes, middleware, and the console
// WebSocket hub. The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	station     config.StationConfig
	logger      *logging.Logger
	issuer      *auth.Issuer
	roster      *auth.Roster
	queue       *outbox.Queue
	coordinator *outbox.Coordinator
	mqtt        *mqtt.Client
	telemetry   Telemetry
	activity    *activity.Repository
	version     string
	startedAt   time.Time
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	tickets     *ticketStore       // single-use WebSocket auth tickets
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if deps.Roster == nil {
		return nil, fmt.Errorf("judge roster is required")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("outbox queue is required")
	}
	// Coordinator is optional in principle but manual flush returns 503 without it.
	// MQTT is optional; score announcements just stay off the venue bus.

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		station:     deps.Station,
		logger:      deps.Logger,
		issuer:      deps.Issuer,
		roster:      deps.Roster,
		queue:       deps.Queue,
		coordinator: deps.Coordinator,
		mqtt:        deps.MQTT,
		telemetry:   deps.Telemetry,
		activity:    deps.Activity,
		version:     deps.Version,
		tickets:     newTicketStore(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, subscribes to venue bus
// announcements for console relay, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	// Periodic ticket cleanup to prevent memory leaks.
	go s.tickets.cleanLoop(srvCtx)

	// Relay event control announcements to connected consoles.
	if err := s.subscribeAnnouncements(); err != nil {
		s.logger.Warn("failed to subscribe to event announcements", "error", err)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// subscribeAnnouncements relays event control announcements from the venue
// bus to consoles subscribed to "event.announcement".
func (s *Server) subscribeAnnouncements() error {
	if s.mqtt == nil {
		return nil // venue bus not configured
	}

	topic := mqtt.Topics{}.EventAnnouncement(s.station.EventID)
	s.logger.Info("subscribing to event announcements for console relay", "topic", topic)
	return s.mqtt.Subscribe(topic, 1, func(_ string, payload []byte) error {
		if s.hub == nil {
			return nil
		}
		s.hub.BroadcastRaw(ChannelAnnouncement, payload)
		return nil
	})
}

// recordAuth reports an auth outcome when telemetry is wired.
func (s *Server) recordAuth(outcome string) {
	if s.telemetry != nil {
		s.telemetry.RecordAuth(s.station.ID, outcome)
	}
}

// recordActivity writes an entry to the local activity log when one is wired.
// Logging failures never fail the request that triggered them.
func (s *Server) recordActivity(r *http.Request, entry *activity.Entry) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(r.Context(), entry); err != nil {
		s.logger.Warn("failed to record activity", "action", entry.Action, "error", err)
	}
}
