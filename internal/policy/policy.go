package policy

import (
	"slices"
	"time"
)

// Record is the immutable security policy owned by a single phase.
type Record struct {
	Phase                Phase
	MaxMemoryMB          int64
	MaxExecutionTime     time.Duration
	AllowedImports       []string
	BlockedImports       []string
	Restrictions         []Restriction
	BehavioralMonitoring bool
	ZeroTrustMode        bool
}

// Blocks reports whether the import name is on the phase's block list.
func (r Record) Blocks(name string) bool {
	return slices.Contains(r.BlockedImports, name)
}

// Allows reports whether the import name is on the phase's allow list.
func (r Record) Allows(name string) bool {
	return slices.Contains(r.AllowedImports, name)
}

// Restricts reports whether the phase denies the given capability.
func (r Record) Restricts(res Restriction) bool {
	return slices.Contains(r.Restrictions, res)
}

// defaultRecords returns the built-in policy table. Config overlays may
// tighten these further; monotonicity is re-asserted after any overlay.
func defaultRecords() map[Phase]Record {
	return map[Phase]Record{
		PhaseBasic: {
			Phase:            PhaseBasic,
			MaxMemoryMB:      128,
			MaxExecutionTime: 30 * time.Second,
			AllowedImports:   []string{"math", "strings", "json", "time", "fs", "env"},
			BlockedImports:   []string{"net", "process", "ffi"},
		},
		PhaseEnhanced: {
			Phase:            PhaseEnhanced,
			MaxMemoryMB:      64,
			MaxExecutionTime: 15 * time.Second,
			AllowedImports:   []string{"math", "strings", "json", "time"},
			BlockedImports:   []string{"net", "process", "ffi", "fs", "env"},
			Restrictions:     []Restriction{RestrictNoFileAccess},
		},
		PhaseMonitoring: {
			Phase:                PhaseMonitoring,
			MaxMemoryMB:          32,
			MaxExecutionTime:     10 * time.Second,
			AllowedImports:       []string{"math", "strings", "json"},
			BlockedImports:       []string{"net", "process", "ffi", "fs", "env", "reflect", "unsafe"},
			Restrictions:         []Restriction{RestrictNoFileAccess, RestrictNoNetworkAccess},
			BehavioralMonitoring: true,
		},
		PhaseZeroTrust: {
			Phase:            PhaseZeroTrust,
			MaxMemoryMB:      16,
			MaxExecutionTime: 5 * time.Second,
			AllowedImports:   []string{},
			BlockedImports:   []string{"net", "process", "ffi", "fs", "env", "reflect", "unsafe", "time"},
			Restrictions: []Restriction{
				RestrictNoFileAccess,
				RestrictNoNetworkAccess,
				RestrictNoSyscalls,
			},
			BehavioralMonitoring: true,
			ZeroTrustMode:        true,
		},
	}
}
