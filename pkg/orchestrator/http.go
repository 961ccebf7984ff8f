package orchestrator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/types"
)

// Router builds the orchestrator's admin HTTP surface (spec §6).
// leaderCheck reports whether this replica currently holds the leader
// lock; non-leader replicas forward writes or return 503 with a leader
// hint (spec §4.3.6) — here expressed as the simpler "reject with hint".
func (o *Orchestrator) Router(leaderCheck func() bool) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Method != http.MethodGet && leaderCheck != nil && !leaderCheck() {
				w.Header().Set("X-Leader-Hint", "not-leader")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not_leader"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Post("/leases", o.handleLeaseGPU)
	r.Post("/leases/{token}/heartbeat", o.handleHeartbeat)
	r.Delete("/leases/{token}", o.handleReleaseLease)
	r.Post("/jobs", o.handleSubmitJob)
	r.Get("/jobs/{job_id}", o.handleGetJob)
	r.Post("/pools", o.handlePoolStart)
	r.Post("/pools/{pool_id}/heartbeat", o.handlePoolHeartbeat)
	r.Post("/pools/{pool_id}/stop", o.handlePoolStop)
	r.Post("/pools/{pool_id}/drain", o.handlePoolDrain)
	return r
}

type leaseRequest struct {
	Agent      string            `json:"agent"`
	Mode       types.LeaseMode   `json:"mode"`
	GPUIndex   int               `json:"gpu_index"`
	ModelID    string            `json:"model_id"`
	TTLSeconds int               `json:"ttl_seconds"`
	Metadata   map[string]string `json:"metadata"`
}

func (o *Orchestrator) handleLeaseGPU(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap("orchestrator.lease_gpu", apierr.KindValidation, err, "invalid request body"))
		return
	}
	result, err := o.LeaseGPU(r.Context(), req.Agent, req.Mode, req.GPUIndex, req.ModelID, time.Duration(req.TTLSeconds)*time.Second, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type heartbeatRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (o *Orchestrator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap("orchestrator.heartbeat_lease", apierr.KindValidation, err, "invalid request body"))
			return
		}
	}
	if req.TTLSeconds == 0 {
		req.TTLSeconds = 300
	}
	expiresAt, err := o.HeartbeatLease(r.Context(), token, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"expires_at": expiresAt})
}

func (o *Orchestrator) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := o.ReleaseLease(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

type submitJobRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	Stream  string         `json:"stream"`
	Group   string         `json:"group"`
}

func (o *Orchestrator) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap("orchestrator.submit_job", apierr.KindValidation, err, "invalid request body"))
		return
	}
	jobID, err := o.SubmitJob(r.Context(), req.Type, req.Payload, req.Stream, req.Group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (o *Orchestrator) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := o.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type poolStartRequest struct {
	Agent          string `json:"agent"`
	ModelID        string `json:"model_id"`
	Adapter        string `json:"adapter"`
	DesiredWorkers int    `json:"desired_workers"`
	HoldSeconds    int    `json:"hold_seconds"`
}

func (o *Orchestrator) handlePoolStart(w http.ResponseWriter, r *http.Request) {
	var req poolStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Wrap("orchestrator.pool_start", apierr.KindValidation, err, "invalid request body"))
		return
	}
	poolID, err := o.PoolStart(r.Context(), req.Agent, req.ModelID, req.Adapter, req.DesiredWorkers, req.HoldSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool_id": poolID})
}

type poolHeartbeatRequest struct {
	SpawnedWorkers int `json:"spawned_workers"`
}

func (o *Orchestrator) handlePoolHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req poolHeartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apierr.Wrap("orchestrator.pool_heartbeat", apierr.KindValidation, err, "invalid request body"))
			return
		}
	}
	if err := o.PoolHeartbeat(r.Context(), chi.URLParam(r, "pool_id"), req.SpawnedWorkers); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *Orchestrator) handlePoolStop(w http.ResponseWriter, r *http.Request) {
	if err := o.PoolStop(r.Context(), chi.URLParam(r, "pool_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (o *Orchestrator) handlePoolDrain(w http.ResponseWriter, r *http.Request) {
	if err := o.PoolDrain(r.Context(), chi.URLParam(r, "pool_id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
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
