// Package api provides the HTTP REST API and WebSocket server for the
// RouterWatch dashboard.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/routerwatch-core/internal/auth"
	"github.com/nerrad567/routerwatch-core/internal/fleet"
	"github.com/nerrad567/routerwatch-core/internal/history"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/config"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/kvstore"
	"github.com/nerrad567/routerwatch-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Fleet is the read and reconcile surface of the fleet service.
type Fleet interface {
	States() []fleet.DeviceState
	State(deviceID string) (fleet.DeviceState, bool)
	Identities() []fleet.Identity
	Identity(deviceID string) (fleet.Identity, bool)
	ConnState(deviceID string) (fleet.ConnState, bool)
	Reconcile(ctx context.Context, desired []fleet.Identity) (fleet.Delta, error)
}

// Commander sends device commands.
type Commander interface {
	Reboot(deviceID string) error
	SetSchedules(deviceID string, entries []fleet.ScheduleEntry) error
	ClearSchedules(deviceID string) error
	StartOTA(deviceID, firmwareURL string) error
	ConfigurePingReboot(deviceID string, cfg fleet.PingRebootConfig) error
	RequestVersion(deviceID string) error
}

// HistoryReader lists recorded device events, newest first.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	ListDevice(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// MetaReader returns persisted per-device metadata.
type MetaReader interface {
	Get(deviceID string) (kvstore.DeviceMeta, error)
	List() ([]kvstore.DeviceMeta, error)
}

// Authenticator logs the operator in and verifies access tokens.
type Authenticator interface {
	Login(username, password string) (auth.Token, error)
	Verify(raw string) (*auth.Claims, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Fleet    Fleet
	Commands Commander
	History  HistoryReader
	Meta     MetaReader // optional
	Auth     Authenticator
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The hub exists from New() on so it can be registered as a fleet listener
// before the fleet starts.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	fleet    Fleet
	commands Commander
	history  HistoryReader
	meta     MetaReader
	auth     Authenticator
	version  string
	hub      *Hub
	tickets  *ticketStore
	server   *http.Server
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Fleet == nil {
		return nil, fmt.Errorf("fleet is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("commands are required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("history is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		fleet:    deps.Fleet,
		commands: deps.Commands,
		history:  deps.History,
		meta:     deps.Meta,
		auth:     deps.Auth,
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger, deps.Fleet.States),
		tickets:  newTicketStore(),
	}, nil
}

// Hub returns the WebSocket hub. It implements fleet.Listener and
// history.Notifier.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the ticket cleanup loop, then launches
// the HTTP listener in a background goroutine. The server can be stopped
// with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
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
			s.logger.Info("API server starting", "address", s.server.Addr)
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

// HealthCheck verifies the API server is running.
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
