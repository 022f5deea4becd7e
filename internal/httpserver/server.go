package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ShutdownTimeout bounds the graceful drain after a stop signal.
var ShutdownTimeout = 10 * time.Second

// Server wraps the http.Server with sensible defaults. Request contexts are
// cancelled when shutdown begins so long-lived roster streams end instead
// of holding the drain open until ShutdownTimeout.
type Server struct {
	inner  *http.Server
	cancel context.CancelFunc
}

// New constructs a server listening on the provided port.
func New(port int, handler http.Handler) *Server {
	base, cancel := context.WithCancel(context.Background())

	inner := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Streaming handlers clear this per response.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	inner.RegisterOnShutdown(cancel)

	return &Server{inner: inner, cancel: cancel}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	return s.inner.ListenAndServe()
}

// Serve accepts connections on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	return s.inner.Serve(l)
}

// Shutdown gracefully terminates the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancel()
	return s.inner.Shutdown(ctx)
}
