package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// NewWithMiddleware returns a router wrapped in recovery, access logging and
// per-route request counting.
func NewWithMiddleware(requests *prometheus.CounterVec) *Server {
	s := New()
	s.Mux.Use(Recover, Logging)
	if requests != nil {
		s.Mux.Use(Metrics(requests))
	}
	return s
}

// RegisterHealth mounts liveness and readiness probes.
func (s *Server) RegisterHealth(timeout time.Duration, checks ...ReadyzCheck) {
	s.Mux.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readyz(timeout, checks...)).Methods(http.MethodGet)
}
