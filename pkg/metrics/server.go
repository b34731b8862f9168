package metrics

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsPath = "/metrics"

	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Server exposes a Collector's registry over HTTP
type Server struct {
	addr     string
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
}

func NewServer(addr string, collector *Collector, logger logging.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	return &Server{
		addr: addr,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger.WithComponent("metrics"),
	}
}

// Start binds the listener synchronously so a bad address is reported to the
// caller, then serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.NewIOError("failed to listen for metrics", err).WithContext("address", s.addr)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.LogWithFields(logging.ErrorLevel, "metrics server stopped", logging.Error(err))
		}
	}()

	s.logger.LogWithFields(logging.InfoLevel, "metrics endpoint listening",
		logging.String("address", listener.Addr().String()),
		logging.String("path", MetricsPath))
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.LogWithFields(logging.WarnLevel, "metrics server shutdown failed", logging.Error(err))
	}
}
