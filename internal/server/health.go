// Package server exposes a replica over HTTP: liveness and readiness probes
// and the admin API that drives TTL rules, forced merges and replication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/ttlmerge/internal/logging"
)

// ReadinessChecker is a dependency that takes part in /readyz.
type ReadinessChecker interface {
	Name() string

	// CheckReady returns nil when the dependency can serve requests.
	CheckReady(ctx context.Context) error
}

// HealthServer serves /healthz and /readyz, plus pprof under /debug/pprof/.
type HealthServer struct {
	mu        sync.RWMutex
	addr      string
	boundAddr string
	server    *http.Server
	logger    *logging.Logger
	stopping  atomic.Bool

	loops        map[string]*loopStatus
	staleAfter   time.Duration
	checks       []ReadinessChecker
	checkTimeout time.Duration
	now          func() time.Time
}

type loopStatus struct {
	running bool
	beat    time.Time
}

// HealthStatus is the body of both probe endpoints.
type HealthStatus struct {
	Status string                 `json:"status"`
	Loops  map[string]bool        `json:"loops,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

const (
	StatusOK        = "ok"
	StatusDegraded  = "degraded"
	StatusNotReady  = "not_ready"
	StatusStopping  = "shutting_down"
	DefaultStale    = 30 * time.Second
	DefaultCheckTTL = 5 * time.Second
)

// NewHealthServer returns a server for addr. Call Start to listen.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	return &HealthServer{
		addr:         addr,
		logger:       logging.OrGlobal(logger),
		loops:        make(map[string]*loopStatus),
		staleAfter:   DefaultStale,
		checkTimeout: DefaultCheckTTL,
		now:          time.Now,
	}
}

// RegisterReadinessCheck adds c to /readyz.
func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// SetCheckTimeout bounds every readiness check.
func (h *HealthServer) SetCheckTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkTimeout = d
}

// SetStaleAfter sets how long a loop may go without a heartbeat before
// /healthz reports it as down.
func (h *HealthServer) SetStaleAfter(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staleAfter = d
}

// RegisterLoop marks a background loop as running.
func (h *HealthServer) RegisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = &loopStatus{running: true, beat: h.now()}
}

// Heartbeat records that the loop is still making progress.
func (h *HealthServer) Heartbeat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.loops[name]; ok {
		s.beat = h.now()
	}
}

// UnregisterLoop marks the loop as stopped.
func (h *HealthServer) UnregisterLoop(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.loops[name]; ok {
		s.running = false
	}
}

// SetShuttingDown makes both probes fail from now on.
func (h *HealthServer) SetShuttingDown() {
	h.stopping.Store(true)
}

// Handler returns the probe routes without binding a listener.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the server down.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// CheckHealth evaluates liveness.
func (h *HealthServer) CheckHealth() HealthStatus {
	if h.stopping.Load() {
		return stoppingStatus()
	}
	st := HealthStatus{Status: StatusOK, Loops: make(map[string]bool)}

	h.mu.RLock()
	defer h.mu.RUnlock()
	now := h.now()
	for name, s := range h.loops {
		ok := s.running && now.Sub(s.beat) < h.staleAfter
		st.Loops[name] = ok
		if !ok {
			st.Status = StatusDegraded
		}
	}
	return st
}

// CheckReadiness runs every registered check.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	if h.stopping.Load() {
		return stoppingStatus()
	}
	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.checkTimeout
	h.mu.RUnlock()

	st := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(cctx)
		cancel()
		if err != nil {
			st.Status = StatusNotReady
			st.Checks[c.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		st.Checks[c.Name()] = CheckResult{Healthy: true}
	}
	return st
}

func stoppingStatus() HealthStatus {
	return HealthStatus{
		Status: StatusStopping,
		Checks: map[string]CheckResult{"shutdown": {Healthy: false, Message: "replica is shutting down"}},
	}
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !probeMethod(w, r) {
		return
	}
	writeProbe(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !probeMethod(w, r) {
		return
	}
	writeProbe(w, r, h.CheckReadiness(r.Context()))
}

func probeMethod(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeProbe(w http.ResponseWriter, r *http.Request, st HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if st.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(st)
	}
}
