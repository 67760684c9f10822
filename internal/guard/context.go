package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/policy"
)

// ResourceLimits is the per-execution snapshot of a phase's resource
// ceilings, possibly tightened by caller overrides.
type ResourceLimits struct {
	MemoryMB      int64
	ExecutionTime time.Duration
}

// ExecutionContext tracks one in-flight plugin execution. Exactly one
// context exists per execution; it is owned by the ContextManager and
// removed on completion or termination.
type ExecutionContext struct {
	ExecutionID       string
	ModuleID          string
	Tenant            string
	Phase             policy.Phase
	Limits            ResourceLimits
	Restrictions      []policy.Restriction
	MonitoringEnabled bool
	ZeroTrustMode     bool
	CreatedAt         time.Time
}

// ContextManager owns the active-executions map. All mutation happens
// under a single lock; callers receive value snapshots, never pointers
// into the map.
type ContextManager struct {
	registry *policy.Registry

	mu     sync.RWMutex
	active map[string]*ExecutionContext
}

func NewContextManager(registry *policy.Registry) *ContextManager {
	return &ContextManager{
		registry: registry,
		active:   make(map[string]*ExecutionContext),
	}
}

// Create allocates a new execution context bound to the given phase,
// snapshotting the phase's limits and restrictions.
func (m *ContextManager) Create(moduleID, tenant string, ph policy.Phase) (ExecutionContext, error) {
	if !ph.Valid() {
		return ExecutionContext{}, fmt.Errorf("%w: phase %d", ErrUnknownPhase, ph)
	}

	pol := m.registry.PolicyFor(ph)
	ec := &ExecutionContext{
		ExecutionID: uuid.New().String(),
		ModuleID:    moduleID,
		Tenant:      tenant,
		Phase:       ph,
		Limits: ResourceLimits{
			MemoryMB:      pol.MaxMemoryMB,
			ExecutionTime: pol.MaxExecutionTime,
		},
		Restrictions:      pol.Restrictions,
		MonitoringEnabled: pol.BehavioralMonitoring,
		ZeroTrustMode:     pol.ZeroTrustMode,
		CreatedAt:         time.Now(),
	}

	m.mu.Lock()
	m.active[ec.ExecutionID] = ec
	m.mu.Unlock()

	log.Debug().
		Str("execution_id", ec.ExecutionID).
		Str("module_id", moduleID).
		Str("phase", ph.String()).
		Msg("execution context created")

	return *ec, nil
}

// Get returns a snapshot of the context for the given execution id.
func (m *ContextManager) Get(executionID string) (ExecutionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ec, ok := m.active[executionID]
	if !ok {
		return ExecutionContext{}, false
	}
	return *ec, true
}

// UpgradePhase replaces the context's limits and restrictions in place
// with the new phase's policy. Downgrades and no-op upgrades are
// rejected.
func (m *ContextManager) UpgradePhase(executionID string, ph policy.Phase) error {
	if !ph.Valid() {
		return fmt.Errorf("%w: phase %d", ErrUnknownPhase, ph)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ec, ok := m.active[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
	}
	if ph <= ec.Phase {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseDowngrade, ec.Phase, ph)
	}

	pol := m.registry.PolicyFor(ph)
	ec.Phase = ph
	ec.Limits = ResourceLimits{MemoryMB: pol.MaxMemoryMB, ExecutionTime: pol.MaxExecutionTime}
	ec.Restrictions = pol.Restrictions
	ec.MonitoringEnabled = pol.BehavioralMonitoring
	ec.ZeroTrustMode = pol.ZeroTrustMode

	log.Info().
		Str("execution_id", executionID).
		Str("phase", ph.String()).
		Msg("execution phase upgraded")

	return nil
}

// TightenLimits lowers the context's resource ceilings for caller
// overrides. Values above the current ceiling (or zero) are ignored;
// overrides can never loosen what the phase granted.
func (m *ContextManager) TightenLimits(executionID string, memoryMB int64, execTime time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ec, ok := m.active[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
	}
	if memoryMB > 0 && memoryMB < ec.Limits.MemoryMB {
		ec.Limits.MemoryMB = memoryMB
	}
	if execTime > 0 && execTime < ec.Limits.ExecutionTime {
		ec.Limits.ExecutionTime = execTime
	}
	return nil
}

// Remove deletes the context. Idempotent: removing an unknown id is a
// no-op.
func (m *ContextManager) Remove(executionID string) {
	m.mu.Lock()
	delete(m.active, executionID)
	m.mu.Unlock()
}

// ActiveCount returns the number of in-flight executions.
func (m *ContextManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
