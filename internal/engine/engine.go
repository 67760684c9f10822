// Package engine defines the plugin execution engine collaborator: load
// a compiled module, invoke it under bounded resources, return metrics.
// The sandbox's policy and monitoring layers wrap this interface; the
// engine itself is the capability boundary.
package engine

import (
	"context"
	"time"
)

// Module is a plugin binary staged for execution.
type Module struct {
	ID     string
	Binary []byte
	// Path is the staged on-disk copy inside the execution's private
	// working area. Informational; engines execute from Binary.
	Path string
}

// InvokeConfig bounds a single invocation.
type InvokeConfig struct {
	ExecutionID   string
	MemoryLimitMB int64
	Timeout       time.Duration
	// MaxFuel caps the abstract execution-step budget. Zero means the
	// engine's default.
	MaxFuel uint64
}

// Stats is a live resource observation for an in-flight invocation.
// Engines that cannot sample a dimension report zero for it.
type Stats struct {
	MemoryMB   int64
	Elapsed    time.Duration
	CPUPercent float64
}

// InvokeResult carries the plugin's output and measured consumption.
type InvokeResult struct {
	Output       map[string]any
	Stdout       string
	MemoryPeakMB int64
	CPUPercent   float64
	Fuel         uint64
}

// Engine executes plugin modules. Implementations must never let a
// plugin fault propagate as a panic; all failures surface as errors.
type Engine interface {
	Invoke(ctx context.Context, mod Module, input map[string]any, cfg InvokeConfig) (*InvokeResult, error)
	// Stats reports live resource usage for a running invocation,
	// keyed by execution id. Returns false once the invocation ends.
	Stats(executionID string) (Stats, bool)
	Close(ctx context.Context) error
}
