package validate

import (
	"errors"
	"strings"
	"testing"

	"wasm-plugin-sandbox/internal/guard"
	"wasm-plugin-sandbox/internal/policy"
)

func newFixture(t *testing.T) (*Validator, *guard.ContextManager, *guard.Recorder) {
	t.Helper()
	registry, err := policy.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	manager := guard.NewContextManager(registry)
	recorder := guard.NewRecorder(manager, nil, nil, nil)
	return NewValidator(registry, manager, recorder, nil), manager, recorder
}

func validateAt(t *testing.T, ph policy.Phase, code string) Report {
	t.Helper()
	v, m, _ := newFixture(t)
	ec, err := m.Create("mod", "", ph)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	report, err := v.Validate(ec.ExecutionID, code)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return report
}

func TestValidateUnknownExecution(t *testing.T) {
	v, _, _ := newFixture(t)
	if _, err := v.Validate("nope", "x = 1"); !errors.Is(err, guard.ErrContextNotFound) {
		t.Errorf("err = %v, want ErrContextNotFound", err)
	}
}

func TestEvalRejectedAtEveryPhase(t *testing.T) {
	for _, ph := range policy.Phases() {
		t.Run(ph.String(), func(t *testing.T) {
			report := validateAt(t, ph, `result = eval("1+1")`)
			if report.Safe {
				t.Error("eval passed validation")
			}
		})
	}
}

func TestBlockedImportAtBasic(t *testing.T) {
	report := validateAt(t, policy.PhaseBasic, "import net; net.connect()")
	if report.Safe {
		t.Fatal("blocked import passed validation")
	}
	found := false
	for _, v := range report.Violations {
		if strings.Contains(v, "blocked import: net") {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want blocked import: net", report.Violations)
	}
}

func TestAllowedImportAtBasic(t *testing.T) {
	report := validateAt(t, policy.PhaseBasic, "import math\nimport json\nresult = math.sqrt(4)")
	if !report.Safe {
		t.Errorf("benign code rejected: %v", report.Violations)
	}
}

func TestAllowListEnforcedFromEnhanced(t *testing.T) {
	// fs is allowed at basic but absent from the enhanced allow list.
	code := "import fs\nfs.read()"

	if report := validateAt(t, policy.PhaseBasic, code); report.Safe {
		// basic blocks only the block list; fs passes there
	} else {
		t.Errorf("fs rejected at basic: %v", report.Violations)
	}

	report := validateAt(t, policy.PhaseEnhanced, code)
	if report.Safe {
		t.Fatal("fs import passed at enhanced")
	}
}

func TestSyscallPatternCumulative(t *testing.T) {
	code := "ptrace(target)"

	if report := validateAt(t, policy.PhaseBasic, code); !report.Safe {
		t.Errorf("syscall pattern enforced below enhanced: %v", report.Violations)
	}
	for _, ph := range []policy.Phase{policy.PhaseEnhanced, policy.PhaseMonitoring, policy.PhaseZeroTrust} {
		if report := validateAt(t, ph, code); report.Safe {
			t.Errorf("syscall pattern passed at %s", ph)
		}
	}
}

func TestObfuscationMarkersAtMonitoring(t *testing.T) {
	code := `payload = atob(blob)`

	if report := validateAt(t, policy.PhaseEnhanced, code); !report.Safe {
		t.Errorf("string decoding enforced below monitoring: %v", report.Violations)
	}
	if report := validateAt(t, policy.PhaseMonitoring, code); report.Safe {
		t.Error("string decoding passed at monitoring")
	}
}

func TestZeroTrustRejectsAnyImport(t *testing.T) {
	report := validateAt(t, policy.PhaseZeroTrust, "import math\nresult = math.pi")
	if report.Safe {
		t.Fatal("import passed at zero trust")
	}
	found := false
	for _, v := range report.Violations {
		if strings.Contains(v, "forbidden in zero trust") {
			found = true
		}
	}
	if !found {
		t.Errorf("violations = %v, want zero trust import violation", report.Violations)
	}
}

func TestZeroTrustLineLimit(t *testing.T) {
	code := strings.Repeat("x = 1\n", maxZeroTrustLines+1)
	report := validateAt(t, policy.PhaseZeroTrust, code)
	if report.Safe {
		t.Error("oversized code passed at zero trust")
	}
}

func TestExcessiveNestingAtMonitoring(t *testing.T) {
	deep := strings.Repeat("(", maxNestingDepth+1) + "1" + strings.Repeat(")", maxNestingDepth+1)

	if report := validateAt(t, policy.PhaseBasic, deep); !report.Safe {
		t.Errorf("nesting enforced below monitoring: %v", report.Violations)
	}
	if report := validateAt(t, policy.PhaseMonitoring, deep); report.Safe {
		t.Error("deep nesting passed at monitoring")
	}
}

func TestUnsafeCodeRecordsIncident(t *testing.T) {
	v, m, r := newFixture(t)
	ec, _ := m.Create("mod", "", policy.PhaseBasic)

	report, err := v.Validate(ec.ExecutionID, `eval("boom")`)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if report.Safe {
		t.Fatal("expected unsafe report")
	}

	incidents := r.Incidents()
	if len(incidents) != 1 {
		t.Fatalf("recorded %d incidents, want 1", len(incidents))
	}
	if incidents[0].Type != guard.IncidentCodeValidationFailed {
		t.Errorf("incident type = %s", incidents[0].Type)
	}
	if incidents[0].ThreatLevel != guard.ThreatHigh {
		t.Errorf("threat level = %s, want high", incidents[0].ThreatLevel)
	}
}

func TestExtractImports(t *testing.T) {
	tests := []struct {
		code string
		want []string
	}{
		{"import math", []string{"math"}},
		{"import net; import net", []string{"net"}},
		{"import os.path", []string{"os"}},
		{"no imports here", nil},
	}
	for _, tt := range tests {
		got := extractImports(tt.code)
		if len(got) != len(tt.want) {
			t.Errorf("extractImports(%q) = %v, want %v", tt.code, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("extractImports(%q) = %v, want %v", tt.code, got, tt.want)
			}
		}
	}
}
