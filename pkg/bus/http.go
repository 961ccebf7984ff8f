package bus

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/justnews/fabric/pkg/apierr"
)

// Router builds the bus's admin HTTP surface: register, call, health,
// ready, circuit-status (spec §4.1).
func (b *Bus) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Post("/register", b.handleRegister)
	r.Post("/call/{agent}/{tool}", b.handleCall)
	r.Get("/health", b.handleHealth)
	r.Get("/ready", b.handleReady)
	r.Get("/circuit-status", b.handleCircuitStatus)
	return r
}

type registerRequest struct {
	AgentName    string   `json:"agent_name"`
	Endpoint     string   `json:"endpoint"`
	Capabilities []string `json:"capabilities"`
}

func (b *Bus) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap("bus.register", apierr.KindValidation, err, "invalid request body"))
		return
	}
	if err := b.Register(r.Context(), req.AgentName, req.Endpoint, req.Capabilities); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

type callRequest struct {
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func (b *Bus) handleCall(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	tool := chi.URLParam(r, "tool")

	var req callRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap("bus.call", apierr.KindValidation, err, "invalid request body"))
			return
		}
	}

	result, err := b.Call(r.Context(), agent, tool, req.Args, req.Kwargs)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}

func (b *Bus) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.Health(r.Context()))
}

func (b *Bus) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": b.Ready()})
}

func (b *Bus) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.CircuitBreakerStatus())
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
