package policy

import "fmt"

// Phase is one of four ordered security postures applied to a plugin
// execution. Higher phases strictly tighten resource ceilings and widen
// restriction sets.
type Phase int

const (
	PhaseBasic Phase = iota + 1
	PhaseEnhanced
	PhaseMonitoring
	PhaseZeroTrust
)

// Phases lists all phases in ascending strictness order.
func Phases() []Phase {
	return []Phase{PhaseBasic, PhaseEnhanced, PhaseMonitoring, PhaseZeroTrust}
}

func (p Phase) String() string {
	switch p {
	case PhaseBasic:
		return "basic"
	case PhaseEnhanced:
		return "enhanced"
	case PhaseMonitoring:
		return "monitoring"
	case PhaseZeroTrust:
		return "zero_trust"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name in JSON and YAML output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Valid reports whether p is a recognized phase.
func (p Phase) Valid() bool {
	return p >= PhaseBasic && p <= PhaseZeroTrust
}

// PhaseFor parses a phase name as used in config files and CLI flags.
func PhaseFor(name string) (Phase, error) {
	switch name {
	case "basic":
		return PhaseBasic, nil
	case "enhanced":
		return PhaseEnhanced, nil
	case "monitoring":
		return PhaseMonitoring, nil
	case "zero_trust", "zerotrust":
		return PhaseZeroTrust, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", name)
	}
}

// Restriction is a capability denied to plugin code under a phase.
type Restriction string

const (
	RestrictNoFileAccess    Restriction = "no_file_access"
	RestrictNoNetworkAccess Restriction = "no_network_access"
	RestrictNoSyscalls      Restriction = "no_syscalls"
)
