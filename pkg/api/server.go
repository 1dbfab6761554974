// Package api serves the RPC surface of spec section 6. Wire encoding
// is JSON-over-HTTP, grounded on the teacher's own tested HTTP pattern
// in pkg/api/health.go/health_test.go — the only RPC-adjacent code in
// the retrieval pack with real test coverage — plus a standard
// grpc/health service for orchestrator-style liveness probes
// (container runtimes are commonly polled by systemd/k8s-style health
// checks, not just their own CLI).
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cuemby/quilt/pkg/dns"
	"github.com/cuemby/quilt/pkg/engine"
	"github.com/cuemby/quilt/pkg/log"
	"github.com/cuemby/quilt/pkg/metrics"
	"github.com/cuemby/quilt/pkg/network"
	"github.com/cuemby/quilt/pkg/storage"
)

// Server hosts the daemon's JSON-over-HTTP surface and a parallel gRPC
// health service. One Server is constructed at daemon startup.
type Server struct {
	engine   *engine.Engine
	store    storage.Store
	net      *network.Manager
	registry *dns.Registry

	mux        *http.ServeMux
	httpServer *http.Server
	grpcHealth *health.Server
	grpcServer *grpc.Server
}

// NewServer wires a Server against the daemon's already-constructed
// collaborators.
func NewServer(eng *engine.Engine, store storage.Store, net *network.Manager, registry *dns.Registry) *Server {
	s := &Server{
		engine:   eng,
		store:    store,
		net:      net,
		registry: registry,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /containers", s.createContainer)
	mux.HandleFunc("GET /containers", s.listContainers)
	mux.HandleFunc("GET /containers/{id}", s.getContainer)
	mux.HandleFunc("DELETE /containers/{id}", s.removeContainer)
	mux.HandleFunc("POST /containers/{id}/start", s.startContainer)
	mux.HandleFunc("POST /containers/{id}/stop", s.stopContainer)
	mux.HandleFunc("POST /containers/{id}/kill", s.killContainer)
	mux.HandleFunc("POST /containers/{id}/exec", s.execContainer)
	mux.HandleFunc("GET /containers/{id}/logs", s.getLogs)

	mux.HandleFunc("GET /icc/networks", s.listNetworks)
	mux.HandleFunc("GET /icc/dns", s.listDNS)
	mux.HandleFunc("GET /icc/diagnose/{id}", s.diagnose)

	s.mux = mux

	grpcHealth := health.NewServer()
	grpcHealth.SetServingStatus("quiltd", healthpb.HealthCheckResponse_SERVING)
	s.grpcHealth = grpcHealth

	return s
}

// Mux returns the HTTP handler, for embedding in tests or an
// alternate listener setup.
func (s *Server) Mux() http.Handler {
	return s.mux
}

// Start serves the JSON-over-HTTP surface, blocking until the listener
// errors or Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.WithComponent("api").Info().Str("addr", addr).Msg("http api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartGRPCHealth serves the standard gRPC health service on addr,
// blocking until the listener errors or Stop is called.
func (s *Server) StartGRPCHealth(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)

	log.WithComponent("api").Info().Str("addr", addr).Msg("grpc health listening")
	return s.grpcServer.Serve(lis)
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop() {
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// HealthResponse is the liveness response body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness response body.
type ReadyResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Message string            `json:"message,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler checks the store is reachable, matching the teacher's
// readiness-probe shape minus the raft-leadership check this single
// host daemon has no equivalent of.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.store.ListContainers(); err != nil {
		checks["storage"] = "error: " + err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{Status: status, Checks: checks})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the uniform error body for every non-2xx response,
// matching spec section 6's "{success, ..., error_message}" contract.
type ErrorResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Success: false, ErrorMessage: err.Error()})
}
