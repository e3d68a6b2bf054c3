// Package httpapi implements the external-facing glue spec §6 describes:
// the token-authenticated HTTP/TLS server, its four endpoints, and a thin
// client for the "client" profile. None of internal/node, internal/store,
// internal/cache, internal/engine, or internal/executor import this
// package — the dependency runs one way.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowkeep/engine/internal/cache"
	"github.com/flowkeep/engine/internal/config"
	"github.com/flowkeep/engine/internal/lifecycle"
	"github.com/flowkeep/engine/internal/logging"
	"github.com/flowkeep/engine/internal/store"
)

// Server wraps a gorilla/mux router and an *http.Server, grounded on the
// shape of internal/app/httpapi.Service adapted to lifecycle.Service
// (Name/Start/Stop) so cmd/flowkeepd manages it alongside the engine loop
// under one shutdown path.
type Server struct {
	cfg    config.ServerConfig
	auth   *TokenAuthenticator
	server *http.Server
	log    *logging.Logger
}

var _ lifecycle.Service = (*Server)(nil)

// NewServer builds the HTTP server. auth may be nil only for tests;
// cmd/flowkeepd always passes an authenticator, one holding no tokens when
// no token file is configured.
func NewServer(cfg config.ServerConfig, st store.Store, c *cache.Cache, watcher *cache.Watcher, waker Waker, auth *TokenAuthenticator, log *logging.Logger) *Server {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	router := mux.NewRouter()
	router.Use(recoveryMiddleware(log))
	router.Use(loggingMiddleware(log))
	router.Use(corsMiddleware)

	handler := NewHandler(st, c, watcher, waker, log)
	handler.Mount(router, auth)

	return &Server{
		cfg:  cfg,
		auth: auth,
		log:  log,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0, // the SSE endpoint streams indefinitely
		},
	}
}

func (s *Server) Name() string { return "httpapi" }

// Start launches the listener in the background; a bind or TLS-material
// failure is returned synchronously so cmd/flowkeepd can map it to exit
// code 3 (spec §6).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	go func() {
		var serveErr error
		if s.cfg.TLSEnabled() {
			serveErr = s.server.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			serveErr = s.server.Serve(ln)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.WithField("error", serveErr).Error("http server exited")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
