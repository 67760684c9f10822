package guard

import (
	"testing"
	"time"

	"wasm-plugin-sandbox/internal/policy"
)

func newMonitorFixture(t *testing.T, ph policy.Phase) (*Monitor, *Recorder, string) {
	t.Helper()
	m := newTestManager(t)
	r := NewRecorder(m, nil, nil, nil)
	mo := NewMonitor(m, r)
	ec, err := m.Create("mod", "", ph)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return mo, r, ec.ExecutionID
}

func incidentTypes(r *Recorder) map[IncidentType]int {
	counts := make(map[IncidentType]int)
	for _, inc := range r.Incidents() {
		counts[inc.Type]++
	}
	return counts
}

func TestCheckWithinLimits(t *testing.T) {
	mo, r, id := newMonitorFixture(t, policy.PhaseBasic)

	ok := mo.Check(id, ResourceSample{MemoryMB: 10, Elapsed: time.Second, CPUPercent: 20})
	if !ok {
		t.Error("sample within limits failed the check")
	}
	if n := len(r.Incidents()); n != 0 {
		t.Errorf("recorded %d incidents, want 0", n)
	}
}

func TestCheckMemoryBreach(t *testing.T) {
	mo, r, id := newMonitorFixture(t, policy.PhaseBasic) // 128MB ceiling

	if mo.Check(id, ResourceSample{MemoryMB: 200, Elapsed: time.Second}) {
		t.Error("memory breach passed the check")
	}
	types := incidentTypes(r)
	if types[IncidentResourceLimitExceeded] != 1 {
		t.Errorf("resource_limit_exceeded count = %d, want 1", types[IncidentResourceLimitExceeded])
	}
}

func TestCheckTimeBreach(t *testing.T) {
	mo, r, id := newMonitorFixture(t, policy.PhaseZeroTrust) // 5s ceiling

	if mo.Check(id, ResourceSample{MemoryMB: 1, Elapsed: 6 * time.Second}) {
		t.Error("time breach passed the check")
	}
	types := incidentTypes(r)
	if types[IncidentExecutionTimeout] != 1 {
		t.Errorf("execution_timeout count = %d, want 1", types[IncidentExecutionTimeout])
	}
}

func TestBehavioralEnforcedOnlyAtMonitoringPhase(t *testing.T) {
	tests := []struct {
		phase    policy.Phase
		wantFail bool
	}{
		{policy.PhaseBasic, false},
		{policy.PhaseEnhanced, false},
		{policy.PhaseMonitoring, true},
		{policy.PhaseZeroTrust, true},
	}

	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			mo, r, id := newMonitorFixture(t, tt.phase)

			ok := mo.Check(id, ResourceSample{MemoryMB: 1, Elapsed: time.Second, CPUPercent: 95})
			if ok == tt.wantFail {
				t.Errorf("Check = %v, want fail=%v", ok, tt.wantFail)
			}

			types := incidentTypes(r)
			wantIncidents := 0
			if tt.wantFail {
				wantIncidents = 1
			}
			if types[IncidentHighCPUUsage] != wantIncidents {
				t.Errorf("high_cpu_usage count = %d, want %d", types[IncidentHighCPUUsage], wantIncidents)
			}
		})
	}
}

func TestMemoryGrowthAnomaly(t *testing.T) {
	mo, r, id := newMonitorFixture(t, policy.PhaseMonitoring)

	base := time.Now()
	// First sample establishes the baseline and cannot trip.
	if !mo.Check(id, ResourceSample{MemoryMB: 2, Elapsed: time.Second, Time: base}) {
		t.Fatal("baseline sample failed")
	}
	// 10MB over 2s is 5MB/s, over the 1MB/s threshold.
	if mo.Check(id, ResourceSample{MemoryMB: 12, Elapsed: 3 * time.Second, Time: base.Add(2 * time.Second)}) {
		t.Error("growth anomaly passed the check")
	}

	types := incidentTypes(r)
	if types[IncidentMemoryGrowthAnomaly] != 1 {
		t.Errorf("memory_growth_anomaly count = %d, want 1", types[IncidentMemoryGrowthAnomaly])
	}
}

func TestCheckAfterTerminateIsNoop(t *testing.T) {
	mo, r, id := newMonitorFixture(t, policy.PhaseBasic)

	r.Terminate(id, "test")
	before := len(r.Incidents())

	// Samples for a terminated execution are dropped, not recorded.
	if !mo.Check(id, ResourceSample{MemoryMB: 10000, Elapsed: time.Hour}) {
		t.Error("post-termination sample should be a passing no-op")
	}
	if after := len(r.Incidents()); after != before {
		t.Errorf("incidents grew from %d to %d after termination", before, after)
	}
}

func TestForgetDropsBaseline(t *testing.T) {
	mo, _, id := newMonitorFixture(t, policy.PhaseMonitoring)

	base := time.Now()
	mo.Check(id, ResourceSample{MemoryMB: 2, Elapsed: time.Second, Time: base})
	mo.Forget(id)

	// With the baseline gone this sample is first again and cannot trip
	// the growth heuristic.
	if !mo.Check(id, ResourceSample{MemoryMB: 20, Elapsed: 2 * time.Second, Time: base.Add(time.Second)}) {
		t.Error("sample after Forget should not trip growth heuristic")
	}
}
