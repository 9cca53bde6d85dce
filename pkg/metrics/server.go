package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeagent/pkg/logx"
)

// Handler serves the metrics gathered by g. A nil gatherer uses the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server exposes /metrics over HTTP until its context ends.
type Server struct {
	server *http.Server
	logger *logx.Logger
}

// Start listens on addr and serves /metrics in the background. The listener
// closes when ctx is cancelled. It returns the bound address.
func Start(ctx context.Context, addr string, g prometheus.Gatherer, logger *logx.Logger) (*Server, string, error) {
	if logger == nil {
		logger = logx.NewLogger("metrics")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", logx.Wrap(err, "failed to listen for metrics")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	s := &Server{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}

	logger.Info("Serving metrics on %s/metrics", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	return s, ln.Addr().String(), nil
}

// Shutdown stops the server, waiting briefly for in-flight scrapes.
func (s *Server) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Metrics server shutdown: %v", err)
	}
}
