// Package api exposes the read/write-splitting core's live state over
// HTTP: the current ReadWriteEndpoint, per-monitor snapshots, the compiled
// rule list, a routing dry-run, health, Prometheus metrics, and a small
// admin dashboard (spec.md §4's supplemented admin surface).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/rwsplit/rwsplit/internal/backendpool"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/reconcile"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/rule"
)

// EndpointSource is the reconciler's read surface, kept as an interface so
// this package doesn't need the reconciler's write-side API.
type EndpointSource interface {
	Latest() config.ReadWriteEndpoint
	Snapshots() reconcile.MonitorSnapshots
	Subscribe() <-chan config.ReadWriteEndpoint
}

// Server is the admin REST API and metrics server.
type Server struct {
	source  EndpointSource
	matcher *rule.Matcher
	router  *router.Router
	pools   *backendpool.Manager
	metrics *metrics.Collector
	admin   config.AdminConfig

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(source EndpointSource, matcher *rule.Matcher, r *router.Router, pools *backendpool.Manager, m *metrics.Collector, admin config.AdminConfig) *Server {
	return &Server{
		source:    source,
		matcher:   matcher,
		router:    r,
		pools:     pools,
		metrics:   m,
		admin:     admin,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server on port.
func (s *Server) Start(port int) error {
	mr := mux.NewRouter()
	mr.Use(s.basicAuth)

	mr.HandleFunc("/endpoints", s.endpointsHandler).Methods("GET")
	mr.HandleFunc("/endpoints/stream", s.endpointsStreamHandler).Methods("GET")
	mr.HandleFunc("/monitors", s.monitorsHandler).Methods("GET")
	mr.HandleFunc("/rules", s.rulesHandler).Methods("GET")
	mr.HandleFunc("/route", s.routeHandler).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")

	if s.metrics != nil {
		mr.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	mr.HandleFunc("/", s.dashboardHandler).Methods("GET")
	mr.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the SSE stream holds the connection open indefinitely
	}

	slog.Info("api listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// basicAuth enforces HTTP Basic Auth using a bcrypt-hashed password, except
// on /health and /metrics (scrape/liveness endpoints that monitoring
// systems hit without credentials). Auth is skipped entirely when no admin
// username is configured.
func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.admin.Username == "" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != s.admin.Username || bcrypt.CompareHashAndPassword([]byte(s.admin.PasswordHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="rwsplit admin"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Endpoint handlers ---

func (s *Server) endpointsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Latest())
}

// endpointsStreamHandler serves Server-Sent Events: one JSON-encoded
// ReadWriteEndpoint per reconciler emission, for dashboards that want to
// react live rather than poll /endpoints.
func (s *Server) endpointsStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.source.Subscribe()

	if err := writeSSEEvent(w, s.source.Latest()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case ep := <-ch:
			if err := writeSSEEvent(w, ep); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ep config.ReadWriteEndpoint) error {
	body, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", body)
	return err
}

type monitorsResponse struct {
	Connect        *snapshotView `json:"connect,omitempty"`
	Ping           *snapshotView `json:"ping,omitempty"`
	ReadOnly       interface{}   `json:"read_only,omitempty"`
	ReplicationLag interface{}   `json:"replication_lag,omitempty"`
	Pools          []backendpool.Stats `json:"pools"`
}

type snapshotView struct {
	ReadWrite interface{} `json:"readwrite"`
	Read      interface{} `json:"read"`
}

func (s *Server) monitorsHandler(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.Snapshots()

	resp := monitorsResponse{
		Pools: s.pools.AllStats(),
	}
	if snaps.Connect != nil {
		resp.Connect = &snapshotView{ReadWrite: snaps.Connect.ReadWrite, Read: snaps.Connect.Read}
	}
	if snaps.Ping != nil {
		resp.Ping = &snapshotView{ReadWrite: snaps.Ping.ReadWrite, Read: snaps.Ping.Read}
	}
	if snaps.ReadOnly != nil {
		resp.ReadOnly = snaps.ReadOnly.Roles
	}
	if snaps.ReplicationLag != nil {
		resp.ReplicationLag = snaps.ReplicationLag.Latency
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matcher.Rules())
}

// routeHandler dry-runs the RuleMatcher+Router decision for a given SQL
// text without acquiring a connection or executing anything.
func (s *Server) routeHandler(w http.ResponseWriter, r *http.Request) {
	sql := r.URL.Query().Get("sql")
	stmtType := config.StatementRead
	if r.URL.Query().Get("stmt_type") == "write" {
		stmtType = config.StatementWrite
	}

	ep, err := s.router.Route(sql, stmtType)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	latest := s.source.Latest()
	healthy := len(latest.ReadWrite) > 0

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(healthy),
		"endpoints": latest,
	})
}

func (s *Server) statusValues() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
