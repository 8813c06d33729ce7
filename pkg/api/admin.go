package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/gatehouse/pkg/config"
	"github.com/cuemby/gatehouse/pkg/metrics"
	"github.com/cuemby/gatehouse/pkg/routes"
	"github.com/cuemby/gatehouse/pkg/types"
	"gopkg.in/yaml.v3"
)

// Controller is the surface the admin server exposes.
type Controller interface {
	ApplyIntent(f *config.File) error
	Remove(host, pathPrefix string) error
	Reconcile(ctx context.Context) error
	ProxyRows() []types.ProxyRow
	DeclaredRoutes() []*types.Route
	Assignments() []*types.CertificateAssignment
}

// AdminServer provides the operator HTTP endpoints: route and
// certificate listings, intent application, and manual reconciliation.
type AdminServer struct {
	controller Controller
	mux        *http.ServeMux
	version    string
}

// NewAdminServer creates the admin HTTP server
func NewAdminServer(controller Controller, version string) *AdminServer {
	mux := http.NewServeMux()
	s := &AdminServer{
		controller: controller,
		mux:        mux,
		version:    version,
	}

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/v1/routes", s.routesHandler)
	mux.HandleFunc("/v1/declared", s.declaredHandler)
	mux.HandleFunc("/v1/certificates", s.certificatesHandler)
	mux.HandleFunc("/v1/apply", s.applyHandler)
	mux.HandleFunc("/v1/reconcile", s.reconcileHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start starts the admin HTTP server
func (s *AdminServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
	})
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// readyHandler reports whether the controller is wired and its state
// is readable.
func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if s.controller != nil {
		checks["controller"] = "ok"
		checks["routes"] = fmt.Sprintf("%d declared", len(s.controller.DeclaredRoutes()))
	} else {
		checks["controller"] = "not initialized"
		ready = false
		message = "controller not initialized"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// routesHandler serves the applied proxy state; DELETE removes a
// declared route.
func (s *AdminServer) routesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.controller.ProxyRows())
	case http.MethodDelete:
		host := r.URL.Query().Get("host")
		prefix := r.URL.Query().Get("path_prefix")
		if host == "" {
			http.Error(w, "missing host parameter", http.StatusBadRequest)
			return
		}
		if err := s.controller.Remove(host, prefix); err != nil {
			http.Error(w, err.Error(), removeStatus(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// DeclaredRoute is the external form of a declared route, key material
// omitted.
type DeclaredRoute struct {
	Service    string  `json:"service"`
	Host       string  `json:"host"`
	PathPrefix string  `json:"path_prefix"`
	Target     string  `json:"target"`
	TLSSource  string  `json:"tls_source,omitempty"`
	HealthPath string  `json:"health_path,omitempty"`
	RateLimit  float64 `json:"rate_limit,omitempty"`
}

func (s *AdminServer) declaredHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	declared := s.controller.DeclaredRoutes()
	out := make([]DeclaredRoute, 0, len(declared))
	for _, route := range declared {
		d := DeclaredRoute{
			Service:    route.Service,
			Host:       route.Host,
			PathPrefix: route.PathPrefix,
			Target:     route.Target,
			HealthPath: route.HealthPath,
			RateLimit:  route.RateLimit,
		}
		if route.TLS != nil {
			d.TLSSource = string(route.TLS.Source)
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

// CertificateSummary is the external form of an assignment, key
// material omitted.
type CertificateSummary struct {
	Host      string    `json:"host"`
	Source    string    `json:"source"`
	State     string    `json:"state"`
	Issuer    string    `json:"issuer,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *AdminServer) certificatesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	assignments := s.controller.Assignments()
	out := make([]CertificateSummary, 0, len(assignments))
	for _, assignment := range assignments {
		out = append(out, CertificateSummary{
			Host:      assignment.Host,
			Source:    string(assignment.Source),
			State:     string(assignment.State),
			Issuer:    assignment.Issuer,
			NotAfter:  assignment.NotAfter,
			LastError: assignment.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) applyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var f config.File
	if err := yaml.Unmarshal(body, &f); err != nil {
		http.Error(w, fmt.Sprintf("invalid intent: %v", err), http.StatusBadRequest)
		return
	}
	if err := f.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.controller.ApplyIntent(&f); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *AdminServer) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.controller.Reconcile(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func removeStatus(err error) int {
	switch {
	case errors.Is(err, routes.ErrRouteNotFound):
		return http.StatusNotFound
	case errors.Is(err, routes.ErrRootRouteInUse):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
