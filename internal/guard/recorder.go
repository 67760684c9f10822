package guard

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/monitor"
)

// IncidentSink receives recorded incidents for out-of-band persistence.
// Implementations must return quickly; the recorder never retries or
// waits on a sink.
type IncidentSink interface {
	LogIncident(incident SecurityIncident)
}

// Stats aggregates incident and execution counters. EscapeIncidents is
// the primary correctness target and counts only execution_escape
// incidents, never resource or validation violations.
type Stats struct {
	TotalIncidents         int            `json:"total_incidents"`
	ActiveExecutions       int            `json:"active_executions"`
	IncidentsByPhase       map[string]int `json:"incidents_by_phase"`
	IncidentsByThreatLevel map[string]int `json:"incidents_by_threat_level"`
	EscapeIncidents        int            `json:"zero_escape_incidents"`
	SuccessRate            float64        `json:"success_rate"`
}

// Recorder owns the append-only incident log and the termination path.
// It shares the context manager with the monitor and the scheduler, so
// all of its state lives behind one mutex.
type Recorder struct {
	manager  *ContextManager
	metrics  *monitor.Metrics
	notifier Notifier
	sink     IncidentSink

	mu        sync.Mutex
	incidents []SecurityIncident
	totalRuns int64
	succeeded int64
}

// NewRecorder creates an incident recorder bound to the context manager.
// Metrics, notifier, and sink are optional; nil disables them.
func NewRecorder(manager *ContextManager, metrics *monitor.Metrics, notifier Notifier, sink IncidentSink) *Recorder {
	return &Recorder{
		manager:  manager,
		metrics:  metrics,
		notifier: notifier,
		sink:     sink,
	}
}

// Record appends a SecurityIncident tagged with the execution's current
// phase and module id. Recording against an already-removed execution is
// permitted; the incident then carries only the execution id.
func (r *Recorder) Record(executionID string, typ IncidentType, description string, level ThreatLevel) SecurityIncident {
	return r.record(executionID, typ, description, level, "logged")
}

func (r *Recorder) record(executionID string, typ IncidentType, description string, level ThreatLevel, mitigation string) SecurityIncident {
	inc := SecurityIncident{
		ID:               uuid.New().String(),
		Timestamp:        time.Now(),
		ThreatLevel:      level,
		ExecutionID:      executionID,
		Type:             typ,
		Description:      description,
		MitigationAction: mitigation,
	}
	if ec, ok := r.manager.Get(executionID); ok {
		inc.Phase = ec.Phase
		inc.ModuleID = ec.ModuleID
	}

	r.mu.Lock()
	r.incidents = append(r.incidents, inc)
	r.mu.Unlock()

	log.Warn().
		Str("incident_id", inc.ID).
		Str("execution_id", executionID).
		Str("type", string(typ)).
		Str("threat_level", level.String()).
		Str("description", description).
		Msg("security incident recorded")

	if r.metrics != nil {
		r.metrics.RecordIncident(string(typ), level.String())
		if typ == IncidentExecutionEscape {
			r.metrics.RecordEscape()
		}
	}
	if r.notifier != nil {
		r.notifier.SecurityIncident(inc)
	}
	if r.sink != nil {
		r.sink.LogIncident(inc)
	}

	return inc
}

// Terminate forcibly stops an in-flight execution: it records a
// HIGH-threat execution_terminated incident and removes the context from
// the active map. Safe to call concurrently with Check and Record, and
// idempotent for already-removed executions.
func (r *Recorder) Terminate(executionID, reason string) SecurityIncident {
	inc := r.record(executionID, IncidentExecutionTerminated, reason, ThreatHigh, "terminated")
	r.manager.Remove(executionID)

	if r.notifier != nil {
		r.notifier.ExecutionTerminated(executionID, reason)
	}
	return inc
}

// RecordOutcome feeds the success-rate counter once per completed
// execution.
func (r *Recorder) RecordOutcome(success bool) {
	r.mu.Lock()
	r.totalRuns++
	if success {
		r.succeeded++
	}
	r.mu.Unlock()
}

// Resolve marks an incident as reviewed. Returns false if the incident
// id is unknown.
func (r *Recorder) Resolve(incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.incidents {
		if r.incidents[i].ID == incidentID {
			r.incidents[i].Resolved = true
			return true
		}
	}
	return false
}

// Incidents returns a copy of the incident log.
func (r *Recorder) Incidents() []SecurityIncident {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SecurityIncident, len(r.incidents))
	copy(out, r.incidents)
	return out
}

// Metrics computes the aggregate counters over the incident log and the
// active-executions map.
func (r *Recorder) Metrics() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		TotalIncidents:         len(r.incidents),
		ActiveExecutions:       r.manager.ActiveCount(),
		IncidentsByPhase:       make(map[string]int),
		IncidentsByThreatLevel: make(map[string]int),
	}
	for _, inc := range r.incidents {
		stats.IncidentsByPhase[inc.Phase.String()]++
		stats.IncidentsByThreatLevel[inc.ThreatLevel.String()]++
		if inc.Type == IncidentExecutionEscape {
			stats.EscapeIncidents++
		}
	}
	if r.totalRuns > 0 {
		stats.SuccessRate = float64(r.succeeded) / float64(r.totalRuns)
	}
	return stats
}
