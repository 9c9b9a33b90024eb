// Package server is the TLS front of the editor: it terminates TLS,
// authenticates every request, routes upgrades and plain requests to the
// editor runtime, and feeds the connection heartbeat.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/porticohq/portico/access"
	"github.com/porticohq/portico/heartbeat"
	"github.com/porticohq/portico/httputils"
	"github.com/porticohq/portico/supervisor"
	"github.com/porticohq/portico/upgrade"
)

// EditorRuntime serves the editor's web surface. Plain requests go through
// ServeHTTP; protocol upgrades go through HandleUpgrade, which must claim
// the socket via http.Hijacker.
type EditorRuntime interface {
	http.Handler
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

// Config holds configuration options for the Server.
type Config struct {
	// ListenAddr is required, e.g. ":8443".
	ListenAddr string
	// CertFile and KeyFile enable TLS; leaving them empty serves plaintext,
	// for tests only.
	CertFile string
	KeyFile  string
	// AuthSecret is the required HS256 secret for request tokens.
	AuthSecret []byte
	Runtime    EditorRuntime
	// Heartbeat optionally observes request activity for idle shutdown.
	Heartbeat *heartbeat.Monitor
	// Logs optionally backs the log stream websocket.
	Logs *supervisor.LogBuffer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server owns the listener, the routing pipeline, and the heartbeat
// subscription.
type Server struct {
	config     Config
	logger     *slog.Logger
	router     *upgrade.Router
	httpServer *http.Server
	hbSub      *heartbeat.Subscription

	listenerAddr chan string
}

// New builds a Server from config and assembles the middleware pipeline.
func New(config Config) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("server: listen address is required")
	}
	if len(config.AuthSecret) == 0 {
		return nil, fmt.Errorf("server: auth secret is required")
	}
	if config.Runtime == nil {
		return nil, fmt.Errorf("server: editor runtime is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Server")

	s := &Server{
		config:       config,
		logger:       logger,
		listenerAddr: make(chan string, 1),
	}

	router := upgrade.NewRouter(logger)
	router.Use(s.traceMiddleware)
	router.Use(s.heartbeatMiddleware)
	router.Use(s.authMiddleware)

	router.Handle("/healthz", http.HandlerFunc(s.handleHealthz))
	if config.Logs != nil {
		router.HandleUpgrade("/logs/stream", http.HandlerFunc(s.handleLogStream))
	}
	router.Handle("/", config.Runtime)
	router.HandleUpgrade("/", http.HandlerFunc(config.Runtime.HandleUpgrade))
	s.router = router

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if config.Heartbeat != nil {
		s.hbSub = config.Heartbeat.OnStateChange(func(state heartbeat.State) {
			logger.Info("connection activity state changed", "state", state.String())
		})
	}

	return s, nil
}

// isExempt reports whether a path bypasses auth and heartbeat recording.
func isExempt(path string) bool {
	return path == "/healthz"
}

func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()
		r.Header.Set("X-Portico-Trace", traceID)
		s.logger.Debug("request", "trace", traceID, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// heartbeatMiddleware records activity without blocking the request on the
// touch file write. Errors surface in the log only.
func (s *Server) heartbeatMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Heartbeat != nil && !isExempt(r.URL.Path) {
			go func() {
				if err := s.config.Heartbeat.Beat(); err != nil {
					s.logger.Warn("heartbeat touch failed", "error", err)
				}
			}()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	authed := access.Middleware(s.config.AuthSecret, s.logger)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.config.Heartbeat != nil {
		status["active"] = s.config.Heartbeat.IsAlive()
	}
	httputils.HandleAPIResponse(w, r, status, nil, http.StatusOK)
}

// Run serves until the listener is closed. With cert and key configured the
// listener terminates TLS; without them it serves plaintext for tests.
func (s *Server) Run() error {
	var listener net.Listener
	var err error

	if s.config.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
		if err != nil {
			return fmt.Errorf("server: load keypair: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		listener, err = tls.Listen("tcp", s.config.ListenAddr, tlsConfig)
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
	} else {
		listener, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
	}

	s.listenerAddr <- listener.Addr().String()
	s.logger.Info("server listening", "addr", listener.Addr().String(), "tls", s.config.CertFile != "")

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr() string {
	addr := <-s.listenerAddr
	s.listenerAddr <- addr
	return addr
}

// Shutdown drains the server and releases the heartbeat subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hbSub != nil {
		s.hbSub.Dispose()
	}
	return s.httpServer.Shutdown(ctx)
}
