package guard

import (
	"time"

	"wasm-plugin-sandbox/internal/policy"
)

// ThreatLevel classifies the severity of a security incident.
type ThreatLevel int

const (
	ThreatLow ThreatLevel = iota
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IncidentType identifies what kind of security-relevant event occurred.
type IncidentType string

const (
	IncidentCodeValidationFailed  IncidentType = "code_validation_failed"
	IncidentResourceLimitExceeded IncidentType = "resource_limit_exceeded"
	IncidentExecutionTimeout      IncidentType = "execution_timeout"
	IncidentHighCPUUsage          IncidentType = "high_cpu_usage"
	IncidentMemoryGrowthAnomaly   IncidentType = "memory_growth_anomaly"
	IncidentExecutionTerminated   IncidentType = "execution_terminated"

	// IncidentExecutionEscape marks a sandbox boundary breach. It is the
	// one incident type the system is designed to keep at zero and is
	// counted separately from all resource and validation violations.
	IncidentExecutionEscape IncidentType = "execution_escape"
)

// SecurityIncident is an append-only audit record. Only the Resolved
// flag may change after creation, via out-of-band review.
type SecurityIncident struct {
	ID               string       `json:"id"`
	Timestamp        time.Time    `json:"timestamp"`
	Phase            policy.Phase `json:"phase"`
	ThreatLevel      ThreatLevel  `json:"threat_level"`
	ModuleID         string       `json:"module_id"`
	ExecutionID      string       `json:"execution_id"`
	Type             IncidentType `json:"incident_type"`
	Description      string       `json:"description"`
	MitigationAction string       `json:"mitigation_action"`
	Resolved         bool         `json:"resolved"`
}
