package sandbox

import (
	"testing"
	"time"

	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/pkg/seccomp"
)

func policyFor(t *testing.T, ph policy.Phase) policy.Record {
	t.Helper()
	registry, err := policy.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry.PolicyFor(ph)
}

func TestIsolationFor(t *testing.T) {
	tests := []struct {
		name    string
		want    IsolationLevel
		wantErr bool
	}{
		{"strict", IsolationStrict, false},
		{"moderate", IsolationModerate, false},
		{"permissive", IsolationPermissive, false},
		{"container", 0, true},
	}
	for _, tt := range tests {
		got, err := IsolationFor(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("IsolationFor(%q) err = %v", tt.name, err)
		}
		if err == nil && got != tt.want {
			t.Errorf("IsolationFor(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBuildDescriptorTakesTighterCeiling(t *testing.T) {
	// Permissive allows 512MB/60s but the basic policy caps at 128MB/30s.
	d := BuildDescriptor(IsolationPermissive, policyFor(t, policy.PhaseBasic), Overrides{})
	if d.MemoryLimitMB != 128 {
		t.Errorf("MemoryLimitMB = %d, want 128", d.MemoryLimitMB)
	}
	if d.TimeLimit != 30*time.Second {
		t.Errorf("TimeLimit = %s, want 30s", d.TimeLimit)
	}

	// Strict caps below what the basic policy would allow.
	d = BuildDescriptor(IsolationStrict, policyFor(t, policy.PhaseBasic), Overrides{})
	if d.MemoryLimitMB != 32 || d.TimeLimit != 5*time.Second {
		t.Errorf("strict descriptor = %dMB/%s, want 32MB/5s", d.MemoryLimitMB, d.TimeLimit)
	}
}

func TestPhasePrecedenceOverIsolation(t *testing.T) {
	// Permissive would grant network and filesystem, but the zero-trust
	// policy denies both. Policy wins.
	d := BuildDescriptor(IsolationPermissive, policyFor(t, policy.PhaseZeroTrust), Overrides{})

	if d.NetworkAccess {
		t.Error("zero trust descriptor grants network access")
	}
	if d.FileSystemAccess {
		t.Error("zero trust descriptor grants filesystem access")
	}
	// no_syscalls collapses the whitelist to the strict set.
	for _, name := range d.SyscallWhitelist {
		if !contains(seccomp.StrictSyscalls(), name) {
			t.Errorf("zero trust whitelist contains %q beyond strict set", name)
		}
	}
	if d.MemoryLimitMB != 16 || d.TimeLimit != 5*time.Second {
		t.Errorf("descriptor = %dMB/%s, want 16MB/5s", d.MemoryLimitMB, d.TimeLimit)
	}
}

func TestNetworkSyscallsStrippedByPolicy(t *testing.T) {
	// Monitoring denies network but not all syscalls.
	d := BuildDescriptor(IsolationPermissive, policyFor(t, policy.PhaseMonitoring), Overrides{})

	for _, name := range seccomp.NetworkSyscalls() {
		if d.AllowsSyscall(name) {
			t.Errorf("network syscall %q survived no_network_access", name)
		}
	}
}

func TestStrictNeverGrantsAccess(t *testing.T) {
	yes := true
	d := BuildDescriptor(IsolationStrict, policyFor(t, policy.PhaseBasic), Overrides{
		NetworkAccess:    &yes,
		FileSystemAccess: &yes,
	})
	if d.NetworkAccess || d.FileSystemAccess {
		t.Error("strict isolation honored an access request")
	}
}

func TestModerateHonorsRequestWherePhaseAllows(t *testing.T) {
	yes := true
	// Basic has no restrictions, so a moderate sandbox may grant the
	// requested accesses.
	d := BuildDescriptor(IsolationModerate, policyFor(t, policy.PhaseBasic), Overrides{
		NetworkAccess:    &yes,
		FileSystemAccess: &yes,
	})
	if !d.NetworkAccess || !d.FileSystemAccess {
		t.Error("moderate+basic denied explicitly requested access")
	}

	// Enhanced restricts files; the filesystem request must be refused.
	d = BuildDescriptor(IsolationModerate, policyFor(t, policy.PhaseEnhanced), Overrides{
		FileSystemAccess: &yes,
	})
	if d.FileSystemAccess {
		t.Error("enhanced phase granted filesystem access")
	}
}

func TestOverridesOnlyTighten(t *testing.T) {
	d := BuildDescriptor(IsolationModerate, policyFor(t, policy.PhaseBasic), Overrides{
		MemoryLimitMB: 16,
		TimeLimit:     2 * time.Second,
	})
	if d.MemoryLimitMB != 16 || d.TimeLimit != 2*time.Second {
		t.Errorf("descriptor = %dMB/%s, want tightened 16MB/2s", d.MemoryLimitMB, d.TimeLimit)
	}

	d = BuildDescriptor(IsolationModerate, policyFor(t, policy.PhaseBasic), Overrides{
		MemoryLimitMB: 4096,
		TimeLimit:     time.Hour,
	})
	if d.MemoryLimitMB != 128 || d.TimeLimit != 30*time.Second {
		t.Errorf("descriptor loosened to %dMB/%s", d.MemoryLimitMB, d.TimeLimit)
	}
}

func TestSeccompProfileDeniesByDefault(t *testing.T) {
	d := BuildDescriptor(IsolationStrict, policyFor(t, policy.PhaseZeroTrust), Overrides{})

	profile := d.SeccompProfile()
	if profile == nil {
		t.Fatal("nil seccomp profile")
	}
	if string(profile.DefaultAction) != "SCMP_ACT_ERRNO" {
		t.Errorf("default action = %s, want SCMP_ACT_ERRNO", profile.DefaultAction)
	}
}

func contains(list []string, name string) bool {
	for _, s := range list {
		if s == name {
			return true
		}
	}
	return false
}
