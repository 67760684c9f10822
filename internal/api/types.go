package api

import "time"

// ExecuteRequest is the API-level request to run one plugin.
type ExecuteRequest struct {
	ModuleID string         `json:"module_id"`
	Tenant   string         `json:"tenant,omitempty"`
	Code     string         `json:"code,omitempty"`
	Binary   []byte         `json:"binary,omitempty"` // base64 WASM module
	Input    map[string]any `json:"input,omitempty"`
	// Phase and Isolation fall back to the server defaults when empty.
	Phase     string `json:"phase,omitempty"`
	Isolation string `json:"isolation,omitempty"`
	Limits    Limits `json:"limits,omitempty"`
	Perms     *Perms `json:"permissions,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Limits tightens the phase's resource ceilings for one invocation.
// Values above the phase ceiling are ignored.
type Limits struct {
	MemoryMB int64    `json:"memory_mb,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// Perms requests network or filesystem access. Granted only where both
// the isolation level and the phase policy permit.
type Perms struct {
	Network    *bool `json:"network,omitempty"`
	Filesystem *bool `json:"filesystem,omitempty"`
}

// BatchExecuteRequest runs many plugins with bounded concurrency.
type BatchExecuteRequest struct {
	Requests      []ExecuteRequest `json:"requests"`
	MaxConcurrent int              `json:"max_concurrent,omitempty"`
	Timeout       Duration         `json:"timeout,omitempty"`
}

// UpgradeRequest tightens an in-flight execution to a stricter phase.
type UpgradeRequest struct {
	Phase string `json:"phase"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         bool   `json:"database"`
	ActiveExecutions int    `json:"active_executions"`
	Uptime           string `json:"uptime"`
}
