package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/kasa-core/internal/bridge"
	"github.com/nerrad567/kasa-core/internal/history"
	"github.com/nerrad567/kasa-core/internal/infrastructure/config"
	"github.com/nerrad567/kasa-core/internal/infrastructure/logging"
	"github.com/nerrad567/kasa-core/internal/kasa"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// deviceTimeout bounds one device operation started from a request.
const deviceTimeout = 5 * time.Second

// scanTimeout bounds a discovery request.
const scanTimeout = 15 * time.Second

// storeCheckTimeout bounds all store probes of one health request.
const storeCheckTimeout = 2 * time.Second

// DeviceService is the device surface used by the API. *kasa.Manager
// satisfies it.
type DeviceService interface {
	Scan(ctx context.Context) (int, error)
	Refresh(ctx context.Context, alias string) (kasa.State, error)
	RefreshAll(ctx context.Context) int
	SetOnOff(ctx context.Context, alias string, on bool) (kasa.State, error)
	SetBrightness(ctx context.Context, alias string, value int) (kasa.State, error)
	SetColorTemp(ctx context.Context, alias string, kelvin int) (kasa.State, error)
	SetTransition(ctx context.Context, alias string, period time.Duration) error
	Snapshots() []kasa.State
	LastScan() kasa.ScanReport
	Stats() kasa.Stats
}

// HistoryReader reads recorded state changes. history.Repository satisfies it.
type HistoryReader interface {
	GetHistorySince(ctx context.Context, alias string, since time.Time, limit int) ([]history.Entry, error)
}

// BridgeMetrics exposes MQTT bridge counters. *bridge.Bridge satisfies it.
type BridgeMetrics interface {
	GetMetrics() bridge.Metrics
}

// ConnectionChecker reports broker connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// StoreChecker probes a backing store. *database.DB and *influxdb.Client
// satisfy it.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Devices DeviceService

	// Optional.
	History HistoryReader
	Bridge  BridgeMetrics
	MQTT    ConnectionChecker

	// Stores are probed by GET /health, keyed by the name reported there.
	Stores map[string]StoreChecker

	// Registry receives the /metrics collectors. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	Version string
}

// Server is the HTTP API server for Kasa Core.
//
// It manages the HTTP listener, routes, middleware and metrics.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	devices   DeviceService
	history   HistoryReader
	bridge    BridgeMetrics
	mqtt      ConnectionChecker
	stores    map[string]StoreChecker
	version   string
	startTime time.Time
	metrics   *metrics
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, device service)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing or metrics registration fails
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device service is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		devices:   deps.Devices,
		history:   deps.History,
		bridge:    deps.Bridge,
		mqtt:      deps.MQTT,
		stores:    deps.Stores,
		version:   deps.Version,
		startTime: time.Now(),
	}

	m, err := newMetrics(deps.Registry, s)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	s.metrics = m

	return s, nil
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
