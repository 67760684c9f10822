package engine

import (
	"context"
	"testing"
	"time"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		key    string
		want   any
	}{
		{"json object", `{"answer": 42}`, "answer", float64(42)},
		{"json with whitespace", "\n  {\"ok\": true}\n", "ok", true},
		{"plain text", "hello world", "stdout", "hello world"},
		{"malformed json", "{not json", "stdout", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := parseOutput(tt.stdout)
			if out[tt.key] != tt.want {
				t.Errorf("parseOutput(%q)[%q] = %v, want %v", tt.stdout, tt.key, out[tt.key], tt.want)
			}
		})
	}
}

func TestParseOutputEmpty(t *testing.T) {
	out := parseOutput("   \n")
	if len(out) != 0 {
		t.Errorf("parseOutput(blank) = %v, want empty map", out)
	}
}

func TestFakeInvokeDefault(t *testing.T) {
	f := &Fake{}
	res, err := f.Invoke(context.Background(), Module{ID: "m"}, nil, InvokeConfig{ExecutionID: "e"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output["echo"] != "m" {
		t.Errorf("Output = %v", res.Output)
	}
}

func TestFakeInvokeHonorsCancel(t *testing.T) {
	f := &Fake{Delay: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Invoke(ctx, Module{ID: "m"}, nil, InvokeConfig{ExecutionID: "e"}); err == nil {
		t.Error("expected context error")
	}
}

func TestFakeStatsOnlyWhileLive(t *testing.T) {
	f := &Fake{
		Delay:    50 * time.Millisecond,
		StatsSeq: []Stats{{MemoryMB: 1}, {MemoryMB: 2}},
	}

	if _, ok := f.Stats("e"); ok {
		t.Error("Stats reported for an execution that never started")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.Invoke(context.Background(), Module{ID: "m"}, nil, InvokeConfig{ExecutionID: "e"})
	}()

	time.Sleep(10 * time.Millisecond)
	s, ok := f.Stats("e")
	if !ok || s.MemoryMB != 1 {
		t.Errorf("first sample = %+v ok=%v, want MemoryMB=1", s, ok)
	}
	// Last value is sticky.
	for range 3 {
		s, _ = f.Stats("e")
	}
	if s.MemoryMB != 2 {
		t.Errorf("sticky sample = %+v, want MemoryMB=2", s)
	}

	<-done
	if _, ok := f.Stats("e"); ok {
		t.Error("Stats reported after completion")
	}
}

func TestWazeroStatsUnknownExecution(t *testing.T) {
	e := NewWazero()
	defer e.Close(context.Background())

	if _, ok := e.Stats("never-ran"); ok {
		t.Error("Stats reported for unknown execution")
	}
}
