package policy

import (
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry is the static phase-to-policy table. It is built once at
// startup, validated for monotonic tightening, and read-only afterwards.
type Registry struct {
	records map[Phase]Record
}

// Override tightens a single phase's built-in policy from configuration.
// Zero values leave the corresponding field untouched. Overrides can
// only narrow a policy; widening is rejected at registry construction.
type Override struct {
	MaxMemoryMB      int64
	MaxExecutionTime time.Duration
	BlockImports     []string
}

// NewRegistry builds the registry from built-in defaults and asserts the
// monotonicity invariant across phases.
func NewRegistry() (*Registry, error) {
	return NewRegistryWithOverrides(nil)
}

// NewRegistryWithOverrides overlays config-provided tightening on top of
// the built-in table, then re-asserts monotonicity.
func NewRegistryWithOverrides(overrides map[Phase]Override) (*Registry, error) {
	records := defaultRecords()

	for ph, ov := range overrides {
		rec, ok := records[ph]
		if !ok {
			return nil, fmt.Errorf("policy override for unknown phase %d", ph)
		}
		if ov.MaxMemoryMB > 0 {
			if ov.MaxMemoryMB > rec.MaxMemoryMB {
				return nil, fmt.Errorf("phase %s: override raises max_memory_mb from %d to %d",
					ph, rec.MaxMemoryMB, ov.MaxMemoryMB)
			}
			rec.MaxMemoryMB = ov.MaxMemoryMB
		}
		if ov.MaxExecutionTime > 0 {
			if ov.MaxExecutionTime > rec.MaxExecutionTime {
				return nil, fmt.Errorf("phase %s: override raises max_execution_time from %s to %s",
					ph, rec.MaxExecutionTime, ov.MaxExecutionTime)
			}
			rec.MaxExecutionTime = ov.MaxExecutionTime
		}
		for _, name := range ov.BlockImports {
			if !rec.Blocks(name) {
				rec.BlockedImports = append(rec.BlockedImports, name)
			}
			rec.AllowedImports = slices.DeleteFunc(slices.Clone(rec.AllowedImports),
				func(s string) bool { return s == name })
		}
		records[ph] = rec
	}

	// A blocked import must never also be allowed in the same phase.
	for ph, rec := range records {
		for _, name := range rec.BlockedImports {
			if rec.Allows(name) {
				return nil, fmt.Errorf("phase %s: import %q both allowed and blocked", ph, name)
			}
		}
	}

	if err := assertMonotonic(records); err != nil {
		return nil, err
	}

	log.Debug().Int("phases", len(records)).Msg("security policy registry loaded")
	return &Registry{records: records}, nil
}

// PolicyFor returns the policy record for the given phase. An
// unrecognized phase is a programmer error and panics.
func (r *Registry) PolicyFor(ph Phase) Record {
	rec, ok := r.records[ph]
	if !ok {
		panic(fmt.Sprintf("policy: no record for phase %d", ph))
	}
	return rec
}

// assertMonotonic verifies that for every adjacent phase pair P1 < P2,
// P2's resource ceilings do not exceed P1's and P2's restriction and
// block sets are supersets of P1's.
func assertMonotonic(records map[Phase]Record) error {
	phases := Phases()
	for i := 1; i < len(phases); i++ {
		lo, hi := records[phases[i-1]], records[phases[i]]

		if hi.MaxMemoryMB > lo.MaxMemoryMB {
			return fmt.Errorf("phase %s max_memory_mb %d exceeds phase %s ceiling %d",
				hi.Phase, hi.MaxMemoryMB, lo.Phase, lo.MaxMemoryMB)
		}
		if hi.MaxExecutionTime > lo.MaxExecutionTime {
			return fmt.Errorf("phase %s max_execution_time %s exceeds phase %s ceiling %s",
				hi.Phase, hi.MaxExecutionTime, lo.Phase, lo.MaxExecutionTime)
		}
		for _, name := range lo.BlockedImports {
			if !hi.Blocks(name) {
				return fmt.Errorf("phase %s drops blocked import %q held by phase %s",
					hi.Phase, name, lo.Phase)
			}
		}
		for _, res := range lo.Restrictions {
			if !hi.Restricts(res) {
				return fmt.Errorf("phase %s drops restriction %q held by phase %s",
					hi.Phase, res, lo.Phase)
			}
		}
		for _, name := range hi.AllowedImports {
			if !lo.Allows(name) {
				return fmt.Errorf("phase %s allows import %q that phase %s does not",
					hi.Phase, name, lo.Phase)
			}
		}
	}
	return nil
}
