package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/config"
	"wasm-plugin-sandbox/internal/guard"
	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/internal/sandbox"
	"wasm-plugin-sandbox/internal/service"
	"wasm-plugin-sandbox/internal/storage"
)

type Handlers struct {
	svc *service.Service
	db  *storage.DB
	cfg *config.Config
}

func NewHandlers(svc *service.Service, db *storage.DB, cfg *config.Config) *Handlers {
	return &Handlers{svc: svc, db: db, cfg: cfg}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	svcReq, err := h.toServiceRequest(req)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result := h.svc.ExecutePlugin(r.Context(), svcReq)

	status := http.StatusOK
	if result.Status != service.StatusSuccess {
		status = statusForError(result.Error)
	}
	writeJSON(w, status, result)
}

func (h *Handlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, "requests is empty", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	svcReqs := make([]service.Request, 0, len(req.Requests))
	for _, one := range req.Requests {
		svcReq, err := h.toServiceRequest(one)
		if err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		svcReqs = append(svcReqs, svcReq)
	}

	results := h.svc.ExecuteBatch(r.Context(), service.BatchRequest{
		Requests:      svcReqs,
		MaxConcurrent: req.MaxConcurrent,
		Timeout:       req.Timeout.Duration,
	})
	writeJSON(w, http.StatusOK, results)
}

// HandleUpgradePhase tightens an in-flight execution to a stricter
// phase. Code that fails re-validation under the new phase is
// terminated and the error reported.
func (h *Handlers) HandleUpgradePhase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	ph, err := policy.PhaseFor(req.Phase)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.svc.UpgradePhase(id, ph); err != nil {
		switch {
		case errors.Is(err, guard.ErrContextNotFound):
			writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
		case errors.Is(err, guard.ErrPhaseDowngrade):
			writeError(w, err.Error(), "PHASE_DOWNGRADE", http.StatusConflict, r)
		case errors.Is(err, sandbox.ErrValidationFailed):
			writeError(w, err.Error(), "VALIDATION_FAILED", http.StatusUnprocessableEntity, r)
		default:
			writeError(w, err.Error(), "INTERNAL", http.StatusInternalServerError, r)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "upgraded", "id": id, "phase": ph.String()})
}

func (h *Handlers) HandleTerminate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated by operator"
	}

	h.svc.Terminate(id, reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminated", "id": id})
}

// HandleListIncidents serves the in-memory incident log, or the
// persisted log when the database is configured and ?source=db is set.
func (h *Handlers) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "db" {
		if h.db == nil {
			writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		filter := storage.IncidentFilter{
			ModuleID:    r.URL.Query().Get("module_id"),
			Type:        r.URL.Query().Get("type"),
			ThreatLevel: r.URL.Query().Get("threat_level"),
			Limit:       100,
		}
		recs, err := h.db.ListIncidents(r.Context(), filter)
		if err != nil {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("incident query failed")
			writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	incidents := h.svc.Incidents()
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := incidents[:0]
		for _, inc := range incidents {
			if string(inc.Type) == typ {
				filtered = append(filtered, inc)
			}
		}
		incidents = filtered
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *Handlers) HandleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.svc.Resolve(id) {
		writeError(w, "incident not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if h.db != nil {
		if err := h.db.MarkResolved(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("incident_id", id).Msg("persisted incident not marked resolved")
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Metrics())
}

func (h *Handlers) toServiceRequest(req ExecuteRequest) (service.Request, error) {
	ph := h.cfg.DefaultPhase()
	if req.Phase != "" {
		var err error
		ph, err = policy.PhaseFor(req.Phase)
		if err != nil {
			return service.Request{}, err
		}
	}

	level := h.cfg.DefaultIsolation()
	if req.Isolation != "" {
		var err error
		level, err = sandbox.IsolationFor(req.Isolation)
		if err != nil {
			return service.Request{}, err
		}
	}

	ov := sandbox.Overrides{
		MemoryLimitMB: req.Limits.MemoryMB,
		TimeLimit:     req.Limits.Timeout.Duration,
	}
	if req.Perms != nil {
		ov.NetworkAccess = req.Perms.Network
		ov.FileSystemAccess = req.Perms.Filesystem
	}

	return service.Request{
		ModuleID: req.ModuleID,
		Tenant:   req.Tenant,
		Code:     req.Code,
		Binary:   req.Binary,
		Input:    req.Input,
		Config: service.ExecConfig{
			Phase:     ph,
			Isolation: level,
			Overrides: ov,
		},
	}, nil
}

// statusForError maps a failed execution result to an HTTP status. The
// execution already completed; these codes classify the failure for
// clients.
func statusForError(msg string) int {
	switch {
	case containsSentinel(msg, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest
	case containsSentinel(msg, sandbox.ErrValidationFailed):
		return http.StatusUnprocessableEntity
	case containsSentinel(msg, sandbox.ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func containsSentinel(msg string, sentinel error) bool {
	s := sentinel.Error()
	return len(msg) >= len(s) && msg[:len(s)] == s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
