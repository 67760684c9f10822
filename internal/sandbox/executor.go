package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/engine"
)

// ExecRequest is a single staged plugin invocation.
type ExecRequest struct {
	ExecutionID string
	ModuleID    string
	Binary      []byte
	Input       map[string]any
	Sandbox     Descriptor
	// MaxFuel caps the execution-step budget. Zero means the engine
	// default.
	MaxFuel uint64
}

// Metrics is the measured consumption of one execution.
type Metrics struct {
	ExecutionTime time.Duration `json:"execution_time"`
	CPUUsage      float64       `json:"cpu_usage"`
	MemoryUsageMB int64         `json:"memory_usage_mb"`
	FuelConsumed  uint64        `json:"fuel_consumption"`
}

// Result is the only state returned to the caller; the executor retains
// nothing after teardown.
type Result struct {
	Success       bool           `json:"success"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metrics       Metrics        `json:"metrics"`
	EscapeSignals []string       `json:"escape_signals,omitempty"`
}

// Executor stages an ephemeral working area per execution, invokes the
// engine under the sandbox descriptor's constraints, and guarantees
// teardown on every exit path.
type Executor struct {
	engine   engine.Engine
	workRoot string
}

// NewExecutor creates an executor. workRoot is the parent directory for
// per-execution staging areas; empty means the system temp dir.
func NewExecutor(eng engine.Engine, workRoot string) *Executor {
	return &Executor{engine: eng, workRoot: workRoot}
}

// Execute runs one plugin invocation. Engine faults are captured and
// returned as a failed Result, never propagated.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) *Result {
	start := time.Now()

	logger := log.With().
		Str("execution_id", req.ExecutionID).
		Str("module_id", req.ModuleID).
		Logger()

	if len(req.Binary) == 0 {
		return failed(start, fmt.Sprintf("%s: module binary is empty", ErrInvalidRequest))
	}

	codeHash := fmt.Sprintf("%x", sha256.Sum256(req.Binary))
	logger.Debug().Str("code_hash", codeHash[:16]).Msg("staging execution environment")

	workDir, err := os.MkdirTemp(e.workRoot, "plugin-"+req.ExecutionID+"-*")
	if err != nil {
		return failed(start, (&ExecutionError{ExecID: req.ExecutionID, Op: "stage_workdir", Err: err}).Error())
	}
	// Teardown on every exit path; no residual state survives an
	// execution.
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Error().Err(rmErr).Str("work_dir", workDir).Msg("staging teardown failed")
		}
	}()

	modulePath := filepath.Join(workDir, "module.wasm")
	if err := os.WriteFile(modulePath, req.Binary, 0400); err != nil {
		return failed(start, (&ExecutionError{ExecID: req.ExecutionID, Op: "write_module", Err: err}).Error())
	}

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return failed(start, (&ExecutionError{ExecID: req.ExecutionID, Op: "encode_input", Err: err}).Error())
	}
	if err := os.WriteFile(filepath.Join(workDir, "input.json"), inputJSON, 0400); err != nil {
		return failed(start, (&ExecutionError{ExecID: req.ExecutionID, Op: "write_input", Err: err}).Error())
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Sandbox.TimeLimit > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Sandbox.TimeLimit)
		defer cancel()
	}

	invokeRes, err := e.invoke(execCtx, req, modulePath)
	elapsed := time.Since(start)

	result := &Result{
		Metrics: Metrics{ExecutionTime: elapsed},
	}
	if invokeRes != nil {
		result.Metrics.CPUUsage = invokeRes.CPUPercent
		result.Metrics.MemoryUsageMB = invokeRes.MemoryPeakMB
		result.Metrics.FuelConsumed = invokeRes.Fuel
		result.EscapeSignals = ScanOutput(invokeRes.Stdout)
	}

	switch {
	case len(result.EscapeSignals) > 0:
		result.Error = fmt.Sprintf("%s: %v", ErrEscapeIncident, result.EscapeSignals)
		logger.Error().Strs("signals", result.EscapeSignals).Msg("escape indicators in plugin output")
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		result.Error = ErrTimeout.Error()
		logger.Warn().Dur("elapsed", elapsed).Msg("execution timed out")
	case err != nil && errors.Is(err, context.Canceled):
		result.Error = ErrTerminated.Error()
	case err != nil:
		// Raw engine errors stay inside the sandbox boundary.
		result.Error = fmt.Sprintf("%s: %s", ErrEngineFailure, err)
		logger.Warn().Err(err).Msg("engine invocation failed")
	default:
		result.Success = true
		result.Output = invokeRes.Output
		logger.Info().Dur("duration", elapsed).Uint64("fuel", result.Metrics.FuelConsumed).Msg("execution completed")
	}

	return result
}

// invoke calls the engine, converting any engine panic into an error.
func (e *Executor) invoke(ctx context.Context, req ExecRequest, modulePath string) (res *engine.InvokeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()

	return e.engine.Invoke(ctx,
		engine.Module{ID: req.ModuleID, Binary: req.Binary, Path: modulePath},
		req.Input,
		engine.InvokeConfig{
			ExecutionID:   req.ExecutionID,
			MemoryLimitMB: req.Sandbox.MemoryLimitMB,
			Timeout:       req.Sandbox.TimeLimit,
			MaxFuel:       req.MaxFuel,
		})
}

func failed(start time.Time, msg string) *Result {
	return &Result{
		Error:   msg,
		Metrics: Metrics{ExecutionTime: time.Since(start)},
	}
}
