package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const wasmPageBytes = 64 * 1024

// Wazero executes plugins as WASI command modules. Each invocation gets
// its own runtime instance so that the linear-memory ceiling applies per
// execution; compiled code is shared through a compilation cache.
type Wazero struct {
	cache wazero.CompilationCache

	mu   sync.Mutex
	live map[string]*liveInvocation
}

type liveInvocation struct {
	started time.Time
}

// NewWazero creates the wazero-backed engine.
func NewWazero() *Wazero {
	return &Wazero{
		cache: wazero.NewCompilationCache(),
		live:  make(map[string]*liveInvocation),
	}
}

// Invoke compiles and runs the module's _start entry. Input is passed as
// JSON on stdin; the plugin writes its JSON result to stdout.
func (e *Wazero) Invoke(ctx context.Context, mod Module, input map[string]any, cfg InvokeConfig) (_ *InvokeResult, err error) {
	// A plugin must never crash the host process.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	pages := uint32(1)
	if cfg.MemoryLimitMB > 0 {
		pages = uint32(cfg.MemoryLimitMB * (1024 * 1024 / wasmPageBytes))
	}

	rcfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(pages).
		WithCompilationCache(e.cache)

	rt := wazero.NewRuntimeWithConfig(ctx, rcfg)
	defer func() {
		if cerr := rt.Close(context.Background()); cerr != nil {
			log.Error().Err(cerr).Str("execution_id", cfg.ExecutionID).Msg("wazero runtime close failed")
		}
	}()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, mod.Binary)
	if err != nil {
		return nil, fmt.Errorf("compiling module %s: %w", mod.ID, err)
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}

	var stdout bytes.Buffer
	mcfg := wazero.NewModuleConfig().
		WithName(cfg.ExecutionID).
		WithArgs(mod.ID).
		WithStdin(bytes.NewReader(inputJSON)).
		WithStdout(&stdout).
		WithStderr(io.Discard)

	e.mu.Lock()
	e.live[cfg.ExecutionID] = &liveInvocation{started: time.Now()}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.live, cfg.ExecutionID)
		e.mu.Unlock()
	}()

	start := time.Now()
	instance, err := rt.InstantiateModule(ctx, compiled, mcfg)
	elapsed := time.Since(start)

	var memPeakMB int64
	if instance != nil {
		if mem := instance.Memory(); mem != nil {
			memPeakMB = int64(mem.Size()) / (1024 * 1024)
		}
		_ = instance.Close(context.Background())
	}

	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			err = nil // clean proc_exit(0)
		} else {
			return nil, fmt.Errorf("invoking module %s: %w", mod.ID, err)
		}
	}

	res := &InvokeResult{
		Stdout:       stdout.String(),
		MemoryPeakMB: memPeakMB,
		// Wall-clock-derived execution-step proxy; wazero has no
		// native instruction metering.
		Fuel: uint64(elapsed.Microseconds()),
	}
	res.Output = parseOutput(stdout.String())

	if cfg.MaxFuel > 0 && res.Fuel > cfg.MaxFuel {
		return res, fmt.Errorf("fuel budget exhausted: %d > %d", res.Fuel, cfg.MaxFuel)
	}
	return res, nil
}

// Stats reports elapsed wall time for a running invocation. Linear
// memory and CPU are not observable mid-run from outside the module, so
// those dimensions read zero until completion.
func (e *Wazero) Stats(executionID string) (Stats, bool) {
	e.mu.Lock()
	inv, ok := e.live[executionID]
	e.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Elapsed: time.Since(inv.started)}, true
}

// Close releases the compilation cache.
func (e *Wazero) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// parseOutput decodes the plugin's stdout as a JSON object. Plugins that
// print anything else get their raw output under "stdout".
func parseOutput(stdout string) map[string]any {
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		var out map[string]any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	if trimmed == "" {
		return map[string]any{}
	}
	return map[string]any{"stdout": trimmed}
}
