package sandbox

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"wasm-plugin-sandbox/pkg/seccomp"
)

// IsolationLevel selects the baseline strictness of a sandbox before the
// active phase policy is applied on top.
type IsolationLevel int

const (
	IsolationStrict IsolationLevel = iota
	IsolationModerate
	IsolationPermissive
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationStrict:
		return "strict"
	case IsolationModerate:
		return "moderate"
	case IsolationPermissive:
		return "permissive"
	default:
		return "unknown"
	}
}

// IsolationFor parses an isolation level name from config or CLI flags.
func IsolationFor(name string) (IsolationLevel, error) {
	switch name {
	case "strict":
		return IsolationStrict, nil
	case "moderate":
		return IsolationModerate, nil
	case "permissive":
		return IsolationPermissive, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", name)
	}
}

// Descriptor is the concrete constraint set for one execution. Produced
// fresh per execution by the builder, owned by the executor, and
// discarded after teardown.
type Descriptor struct {
	SyscallWhitelist []string
	MemoryLimitMB    int64
	TimeLimit        time.Duration
	NetworkAccess    bool
	FileSystemAccess bool
}

// SeccompProfile materializes the descriptor's syscall whitelist as a
// deny-by-default profile for the engine host process.
func (d Descriptor) SeccompProfile() *specs.LinuxSeccomp {
	return seccomp.FromWhitelist(d.SyscallWhitelist)
}

// AllowsSyscall reports whether the whitelist contains the syscall.
func (d Descriptor) AllowsSyscall(name string) bool {
	for _, s := range d.SyscallWhitelist {
		if s == name {
			return true
		}
	}
	return false
}
