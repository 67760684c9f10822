package storage

import "time"

// ExecutionRecord is a stored plugin execution for audit.
type ExecutionRecord struct {
	ID            string     `json:"id" db:"id"`
	ModuleID      string     `json:"module_id" db:"module_id"`
	Tenant        string     `json:"tenant" db:"tenant"`
	Phase         string     `json:"phase" db:"phase"`
	Isolation     string     `json:"isolation" db:"isolation"`
	CodeHash      string     `json:"code_hash" db:"code_hash"`
	Status        string     `json:"status" db:"status"` // success, error, terminated
	Error         string     `json:"error,omitempty" db:"error"`
	DurationMS    int64      `json:"duration_ms" db:"duration_ms"`
	MemoryPeakMB  int64      `json:"memory_peak_mb" db:"memory_peak_mb"`
	FuelConsumed  int64      `json:"fuel_consumed" db:"fuel_consumed"`
	IncidentCount int        `json:"incident_count" db:"incident_count"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IncidentRecord stores a security incident for out-of-band review.
type IncidentRecord struct {
	ID               string    `json:"id" db:"id"`
	ExecutionID      string    `json:"execution_id" db:"execution_id"`
	ModuleID         string    `json:"module_id" db:"module_id"`
	Phase            string    `json:"phase" db:"phase"`
	Type             string    `json:"type" db:"type"`
	ThreatLevel      string    `json:"threat_level" db:"threat_level"`
	Description      string    `json:"description" db:"description"`
	MitigationAction string    `json:"mitigation_action" db:"mitigation_action"`
	Resolved         bool      `json:"resolved" db:"resolved"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// IncidentFilter provides criteria for querying incidents.
type IncidentFilter struct {
	ModuleID    string
	Type        string
	ThreatLevel string
	Since       *time.Time
	Limit       int
	Offset      int
}
