package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-cfu/internal/cfu"
	"github.com/nerrad567/gray-logic-cfu/internal/cfu/service"
	"github.com/nerrad567/gray-logic-cfu/internal/history"
	"github.com/nerrad567/gray-logic-cfu/internal/host"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cfu/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ComponentSource exposes the registered components.
// *service.Context satisfies it.
type ComponentSource interface {
	Components() []service.ComponentStatus
	Component(id cfu.ComponentID) (service.ComponentStatus, error)
}

// Updater runs firmware update sessions. *host.Driver satisfies it.
type Updater interface {
	Update(ctx context.Context, img host.Image) (host.Result, error)
	Inventory(ctx context.Context) []host.ComponentVersion
}

// SessionWriter records finished update sessions as time-series points.
// *influxdb.Client satisfies it.
type SessionWriter interface {
	WriteSession(componentID uint8, result string, bytes int, duration time.Duration)
}

// ConnectionChecker reports broker connectivity. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Components ComponentSource
	Updater    Updater            // optional: disables POST .../update when nil
	History    history.Repository // optional: disables GET .../history when nil
	Sessions   SessionWriter      // optional
	MQTT       ConnectionChecker  // optional
	DB         *sql.DB            // optional: pool stats in /api/v1/metrics
	Hub        *Hub               // If set, the server uses this hub instead of creating its own
	Version    string
}

// Server is the diagnostics HTTP server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	components ComponentSource
	updater    Updater
	history    history.Repository
	sessions   SessionWriter
	mqtt       ConnectionChecker
	db         *sql.DB
	version    string
	startTime  time.Time
	bodyLimit  int64
	server     *http.Server
	hub        *Hub
	ownHub     bool
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, component source)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Components == nil {
		return nil, fmt.Errorf("component source is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		components: deps.Components,
		updater:    deps.Updater,
		history:    deps.History,
		sessions:   deps.Sessions,
		mqtt:       deps.MQTT,
		db:         deps.DB,
		version:    deps.Version,
		startTime:  time.Now(),
		hub:        deps.Hub,
	}

	// Update uploads carry the image base64-encoded inside JSON.
	s.bodyLimit = maxRequestBodySize
	if deps.Config.MaxImageSize > 0 {
		s.bodyLimit += int64(base64.StdEncoding.EncodedLen(int(deps.Config.MaxImageSize)))
	}

	if s.hub == nil {
		s.hub = NewHub(deps.WS, deps.Logger)
		s.ownHub = true
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub if the server owns it, and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.ownHub {
		go s.hub.Run(srvCtx)
	}

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
