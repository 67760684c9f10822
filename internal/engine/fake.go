package engine

import (
	"context"
	"sync"
	"time"
)

// Fake is a scriptable engine for tests and local development without
// compiled WASM modules.
type Fake struct {
	// InvokeFunc, when set, handles the invocation outright.
	InvokeFunc func(ctx context.Context, mod Module, input map[string]any, cfg InvokeConfig) (*InvokeResult, error)
	// Delay simulates execution time when InvokeFunc is nil.
	Delay time.Duration
	// StatsSeq is returned from Stats in order, last value sticky.
	StatsSeq []Stats

	mu        sync.Mutex
	statsIdx  int
	liveExecs map[string]bool
}

func (f *Fake) Invoke(ctx context.Context, mod Module, input map[string]any, cfg InvokeConfig) (*InvokeResult, error) {
	f.mu.Lock()
	if f.liveExecs == nil {
		f.liveExecs = make(map[string]bool)
	}
	f.liveExecs[cfg.ExecutionID] = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.liveExecs, cfg.ExecutionID)
		f.mu.Unlock()
	}()

	if f.InvokeFunc != nil {
		return f.InvokeFunc(ctx, mod, input, cfg)
	}

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &InvokeResult{
		Output: map[string]any{"echo": mod.ID},
		Fuel:   uint64(f.Delay.Microseconds()),
	}, nil
}

func (f *Fake) Stats(executionID string) (Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.liveExecs[executionID] {
		return Stats{}, false
	}
	if len(f.StatsSeq) == 0 {
		return Stats{}, true
	}
	s := f.StatsSeq[min(f.statsIdx, len(f.StatsSeq)-1)]
	f.statsIdx++
	return s, true
}

func (f *Fake) Close(context.Context) error { return nil }
