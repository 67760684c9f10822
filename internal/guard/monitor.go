package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/policy"
)

// Behavioral heuristic thresholds for monitoring/zero-trust phases.
const (
	highCPUThreshold     = 80.0 // percent
	memoryGrowthMBPerSec = 1.0
)

// ResourceSample is one observation of an in-flight execution's
// resource consumption.
type ResourceSample struct {
	MemoryMB   int64
	Elapsed    time.Duration
	CPUPercent float64
	Time       time.Time
}

// Monitor compares live resource samples against the active context's
// limits. A false return from Check is the caller's signal to invoke
// termination.
type Monitor struct {
	manager  *ContextManager
	recorder *Recorder

	mu   sync.Mutex
	last map[string]ResourceSample
}

func NewMonitor(manager *ContextManager, recorder *Recorder) *Monitor {
	return &Monitor{
		manager:  manager,
		recorder: recorder,
		last:     make(map[string]ResourceSample),
	}
}

// Check evaluates one sample. Hard limit breaches record an incident
// and return false at every phase. Behavioral heuristics are evaluated
// from the monitoring phase up; below that they are logged only and do
// not fail the execution. Checking an already-terminated execution is
// a no-op.
func (mo *Monitor) Check(executionID string, sample ResourceSample) bool {
	ec, ok := mo.manager.Get(executionID)
	if !ok {
		log.Debug().Str("execution_id", executionID).Msg("sample for inactive execution dropped")
		return true
	}

	within := true

	if sample.MemoryMB > ec.Limits.MemoryMB {
		mo.recorder.Record(executionID, IncidentResourceLimitExceeded,
			fmt.Sprintf("memory usage %dMB exceeds limit %dMB", sample.MemoryMB, ec.Limits.MemoryMB),
			ThreatHigh)
		within = false
	}

	if sample.Elapsed > ec.Limits.ExecutionTime {
		mo.recorder.Record(executionID, IncidentExecutionTimeout,
			fmt.Sprintf("execution time %s exceeds limit %s", sample.Elapsed, ec.Limits.ExecutionTime),
			ThreatMedium)
		within = false
	}

	if !mo.behavioralCheck(executionID, ec, sample) {
		within = false
	}

	mo.mu.Lock()
	mo.last[executionID] = sample
	mo.mu.Unlock()

	return within
}

func (mo *Monitor) behavioralCheck(executionID string, ec ExecutionContext, sample ResourceSample) bool {
	enforce := ec.Phase >= policy.PhaseMonitoring && ec.MonitoringEnabled

	within := true

	if sample.CPUPercent > highCPUThreshold {
		if enforce {
			mo.recorder.Record(executionID, IncidentHighCPUUsage,
				fmt.Sprintf("cpu usage %.1f%% exceeds %.0f%% threshold", sample.CPUPercent, highCPUThreshold),
				ThreatMedium)
			within = false
		} else {
			log.Debug().
				Str("execution_id", executionID).
				Float64("cpu_percent", sample.CPUPercent).
				Msg("high cpu usage below enforcement phase")
		}
	}

	if rate, ok := mo.growthRate(executionID, sample); ok && rate > memoryGrowthMBPerSec {
		if enforce {
			mo.recorder.Record(executionID, IncidentMemoryGrowthAnomaly,
				fmt.Sprintf("memory growing at %.2fMB/s, threshold %.0fMB/s", rate, memoryGrowthMBPerSec),
				ThreatMedium)
			within = false
		} else {
			log.Debug().
				Str("execution_id", executionID).
				Float64("growth_mb_per_sec", rate).
				Msg("memory growth anomaly below enforcement phase")
		}
	}

	return within
}

// growthRate derives MB/s from the previous sample of the same
// execution. The first sample has no baseline and never trips.
func (mo *Monitor) growthRate(executionID string, sample ResourceSample) (float64, bool) {
	mo.mu.Lock()
	prev, ok := mo.last[executionID]
	mo.mu.Unlock()
	if !ok {
		return 0, false
	}

	now := sample.Time
	if now.IsZero() {
		now = time.Now()
	}
	prevTime := prev.Time
	if prevTime.IsZero() {
		return 0, false
	}

	dt := now.Sub(prevTime).Seconds()
	if dt <= 0 {
		return 0, false
	}
	return float64(sample.MemoryMB-prev.MemoryMB) / dt, true
}

// Forget drops the sample history for a finished execution.
func (mo *Monitor) Forget(executionID string) {
	mo.mu.Lock()
	delete(mo.last, executionID)
	mo.mu.Unlock()
}
