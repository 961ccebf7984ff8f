// Package agentshell is the runtime shell every MCP agent embeds (spec
// §4.2): a uniform HTTP surface (/health, /ready, /<tool>, /shutdown)
// plus bus registration on startup and graceful deregistration and
// GPU-lease release on shutdown.
package agentshell

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/health"
	"github.com/justnews/fabric/pkg/log"
)

// ToolFunc handles one POST /<tool> invocation.
type ToolFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Registrar is the subset of the bus client an agent shell needs at
// startup/shutdown — kept as an interface so agentshell never imports
// pkg/bus directly (agents run as separate processes from the bus).
type Registrar interface {
	Register(ctx context.Context, name, endpoint string, capabilities []string) error
	Deregister(name string)
}

// LeaseReleaser is the subset of the orchestrator client needed to
// release a held GPU lease on shutdown.
type LeaseReleaser interface {
	ReleaseLease(ctx context.Context, token string) error
}

// Shell is one agent's HTTP runtime.
type Shell struct {
	Name    string
	Version string

	mu        sync.RWMutex
	tools     map[string]ToolFunc
	startedAt time.Time
	ready     atomic.Bool
	draining  atomic.Bool

	registrar Registrar
	releaser  LeaseReleaser
	leaseTok  string

	// dependencies are optional checks against what this agent needs to
	// do useful work (a downstream API, a local model file) — any
	// failure downgrades /health to degraded without affecting /ready,
	// since the bus should still be able to route calls here.
	dependencies []health.Checker

	wg sync.WaitGroup
}

// AddDependencyCheck registers a health.Checker consulted on every
// /health request.
func (s *Shell) AddDependencyCheck(checker health.Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies = append(s.dependencies, checker)
}

// New creates a Shell. registrar/releaser may be nil when not applicable
// (e.g. a agent with no held GPU lease).
func New(name, version string, registrar Registrar, releaser LeaseReleaser) *Shell {
	return &Shell{
		Name:      name,
		Version:   version,
		tools:     make(map[string]ToolFunc),
		startedAt: time.Now(),
		registrar: registrar,
		releaser:  releaser,
	}
}

// RegisterTool wires a POST /<name> handler.
func (s *Shell) RegisterTool(name string, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = fn
}

// SetLeaseToken records the GPU lease this agent currently holds, so
// Shutdown can release it.
func (s *Shell) SetLeaseToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseTok = token
}

// Start registers with the bus and marks the shell ready.
func (s *Shell) Start(ctx context.Context, selfEndpoint string, capabilities []string) error {
	if s.registrar != nil {
		if err := s.registrar.Register(ctx, s.Name, selfEndpoint, capabilities); err != nil {
			return apierr.Wrap("agentshell.start", apierr.KindUpstream, err, "bus registration failed")
		}
	}
	s.ready.Store(true)
	log.WithAgent(s.Name).Info().Msg("agent started")
	return nil
}

// Shutdown deregisters (best-effort) and releases any held lease, after
// letting in-flight requests finish.
func (s *Shell) Shutdown(ctx context.Context) {
	s.draining.Store(true)
	s.ready.Store(false)
	s.wg.Wait()

	if s.registrar != nil {
		s.registrar.Deregister(s.Name)
	}
	s.mu.RLock()
	token := s.leaseTok
	s.mu.RUnlock()
	if token != "" && s.releaser != nil {
		if err := s.releaser.ReleaseLease(ctx, token); err != nil {
			log.WithAgent(s.Name).Warn().Err(err).Msg("failed to release lease on shutdown")
		}
	}
	log.WithAgent(s.Name).Info().Msg("agent shut down")
}

// Router builds the agent's HTTP surface.
func (s *Shell) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Post("/shutdown", s.handleShutdown)
	r.Post("/{tool}", s.handleTool)
	return r
}

type healthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  time.Duration `json:"uptime"`
}

func (s *Shell) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.draining.Load() {
		status = "degraded"
	}

	s.mu.RLock()
	deps := s.dependencies
	s.mu.RUnlock()
	for _, dep := range deps {
		if result := dep.Check(r.Context()); !result.Healthy {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{Status: status, Version: s.Version, Uptime: time.Since(s.startedAt)})
}

func (s *Shell) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.ready.Load() && !s.draining.Load()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

func (s *Shell) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting_down"})
	go s.Shutdown(context.Background())
}

type toolRequest struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func (s *Shell) handleTool(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		writeError(w, apierr.New("agentshell.tool", apierr.KindPrecondition, "agent is draining"))
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	tool := chi.URLParam(r, "tool")
	s.mu.RLock()
	fn, ok := s.tools[tool]
	s.mu.RUnlock()
	if !ok {
		writeError(w, apierr.New("agentshell.tool", apierr.KindNotFound, "unknown tool"))
		return
	}

	var req toolRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap("agentshell.tool", apierr.KindValidation, err, "invalid request body"))
			return
		}
	}

	result, err := fn(r.Context(), req.Args, req.Kwargs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, apierr.HTTPStatus(kind), map[string]string{"error": err.Error(), "kind": string(kind)})
}
