package service

import (
	"time"

	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/internal/sandbox"
)

// Execution result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecConfig selects the security posture for one invocation.
type ExecConfig struct {
	Phase     policy.Phase
	Isolation sandbox.IsolationLevel
	// Overrides may tighten resource ceilings or request network and
	// filesystem access where the phase and isolation level permit.
	Overrides sandbox.Overrides
}

// Request is one plugin invocation.
type Request struct {
	ModuleID string
	Tenant   string
	// Code is the plugin source submitted for static validation.
	Code string
	// Binary is the compiled WASM module handed to the engine. When
	// empty, the code bytes are staged instead (interpreting engines).
	Binary []byte
	Input  map[string]any
	Config ExecConfig
}

// Result is the structured outcome returned to the caller. Callers
// never see raw engine errors or stack traces.
type Result struct {
	Status      string           `json:"status"`
	ExecutionID string           `json:"execution_id"`
	Output      map[string]any   `json:"output,omitempty"`
	Metrics     *sandbox.Metrics `json:"metrics,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// BatchRequest executes many invocations with bounded concurrency.
type BatchRequest struct {
	Requests      []Request
	MaxConcurrent int
	// Timeout is the hard per-invocation deadline.
	Timeout time.Duration
}
