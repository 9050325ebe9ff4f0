package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/fleet-telemetry/internal/control"
	"github.com/nerrad567/fleet-telemetry/internal/device"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/fleet-telemetry/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandTimeout applies when Deps.CommandTimeout is unset.
const defaultCommandTimeout = 10 * time.Second

// healthCheckTimeout bounds each dependency check behind /api/v1/health.
const healthCheckTimeout = 2 * time.Second

// DeviceDirectory resolves the device repository of a tenant.
// *device.Directory satisfies it.
type DeviceDirectory interface {
	Repository(ctx context.Context, tenant string) (device.Repository, error)
}

// Commander delivers commands over the control channel and serves the
// websocket endpoint devices connect to. *control.Server satisfies it.
type Commander interface {
	http.Handler
	SendWithResponse(ctx context.Context, cmd control.Command, timeout time.Duration) (control.Response, error)
	ConnectedDevices(tenant string) []string
}

// HealthChecker is a dependency reported by /api/v1/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
//
// Devices and Control are set together for the management plane and
// left nil for the hub's operations listener.
type Deps struct {
	Config         config.APIConfig
	WSPath         string
	CommandTimeout time.Duration
	Logger         *logging.Logger
	Devices        DeviceDirectory
	Control        Commander
	Metrics        http.Handler
	Checks         map[string]HealthChecker
	Version        string
}

// Server is the HTTP server of a fleet service.
//
// It manages the HTTP listener, routes and middleware.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsPath         string
	commandTimeout time.Duration
	logger         *logging.Logger
	devices        DeviceDirectory
	control        Commander
	metrics        http.Handler
	checks         map[string]HealthChecker
	version        string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if (deps.Devices == nil) != (deps.Control == nil) {
		return nil, fmt.Errorf("device directory and control channel must be set together")
	}

	s := &Server{
		cfg:            deps.Config,
		wsPath:         deps.WSPath,
		commandTimeout: deps.CommandTimeout,
		logger:         deps.Logger,
		devices:        deps.Devices,
		control:        deps.Control,
		metrics:        deps.Metrics,
		checks:         deps.Checks,
		version:        deps.Version,
	}
	if s.wsPath == "" {
		s.wsPath = control.Path
	}
	if s.commandTimeout <= 0 {
		s.commandTimeout = defaultCommandTimeout
	}
	return s, nil
}

// Handler returns the routed handler with the full middleware stack.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns so a port clash is reported
// to the caller; requests are then served in a background goroutine. The
// server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}
	srv := s.server

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// managementEnabled reports whether the device routes are served.
func (s *Server) managementEnabled() bool {
	return s.devices != nil && s.control != nil
}
