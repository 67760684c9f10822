package sandbox

import (
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/pkg/seccomp"
)

// Baseline ceilings per isolation level. The active phase policy is
// applied on top and always wins.
var levelCaps = map[IsolationLevel]struct {
	memoryMB int64
	timeCap  time.Duration
}{
	IsolationStrict:     {memoryMB: 32, timeCap: 5 * time.Second},
	IsolationModerate:   {memoryMB: 128, timeCap: 30 * time.Second},
	IsolationPermissive: {memoryMB: 512, timeCap: 60 * time.Second},
}

// Overrides are caller-requested adjustments. Memory and time can only
// tighten; network and filesystem requests are honored only where both
// the isolation level and the phase policy permit them.
type Overrides struct {
	MemoryLimitMB    int64
	TimeLimit        time.Duration
	NetworkAccess    *bool
	FileSystemAccess *bool
}

// BuildDescriptor derives the concrete sandbox constraints from an
// isolation level and the active phase policy. Phase restrictions take
// precedence over the requested isolation level: the builder never
// widens access beyond what the policy permits.
func BuildDescriptor(level IsolationLevel, pol policy.Record, ov Overrides) Descriptor {
	caps := levelCaps[level]

	d := Descriptor{
		MemoryLimitMB: min(caps.memoryMB, pol.MaxMemoryMB),
		TimeLimit:     min(caps.timeCap, pol.MaxExecutionTime),
	}

	switch level {
	case IsolationStrict:
		d.SyscallWhitelist = seccomp.StrictSyscalls()
	case IsolationModerate:
		d.SyscallWhitelist = seccomp.ModerateSyscalls()
		if ov.NetworkAccess != nil {
			d.NetworkAccess = *ov.NetworkAccess
		}
		if ov.FileSystemAccess != nil {
			d.FileSystemAccess = *ov.FileSystemAccess
		}
	case IsolationPermissive:
		d.SyscallWhitelist = seccomp.PermissiveSyscalls()
		d.NetworkAccess = true
		d.FileSystemAccess = true
		if ov.NetworkAccess != nil {
			d.NetworkAccess = *ov.NetworkAccess
		}
		if ov.FileSystemAccess != nil {
			d.FileSystemAccess = *ov.FileSystemAccess
		}
	}

	// Caller overrides may tighten resource ceilings, never raise them.
	if ov.MemoryLimitMB > 0 && ov.MemoryLimitMB < d.MemoryLimitMB {
		d.MemoryLimitMB = ov.MemoryLimitMB
	}
	if ov.TimeLimit > 0 && ov.TimeLimit < d.TimeLimit {
		d.TimeLimit = ov.TimeLimit
	}

	// Phase precedence. A zero-trust phase keeps network and filesystem
	// closed no matter what isolation the caller asked for.
	if pol.Restricts(policy.RestrictNoNetworkAccess) {
		if d.NetworkAccess {
			log.Debug().
				Str("phase", pol.Phase.String()).
				Str("isolation", level.String()).
				Msg("phase policy denies requested network access")
		}
		d.NetworkAccess = false
		d.SyscallWhitelist = strip(d.SyscallWhitelist, seccomp.NetworkSyscalls())
	}
	if pol.Restricts(policy.RestrictNoFileAccess) {
		if d.FileSystemAccess {
			log.Debug().
				Str("phase", pol.Phase.String()).
				Str("isolation", level.String()).
				Msg("phase policy denies requested filesystem access")
		}
		d.FileSystemAccess = false
		d.SyscallWhitelist = strip(d.SyscallWhitelist, seccomp.FilesystemSyscalls())
	}
	if pol.Restricts(policy.RestrictNoSyscalls) {
		d.SyscallWhitelist = seccomp.StrictSyscalls()
	}

	return d
}

func strip(whitelist, denied []string) []string {
	return slices.DeleteFunc(slices.Clone(whitelist), func(name string) bool {
		return slices.Contains(denied, name)
	})
}
