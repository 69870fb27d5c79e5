package filter

import (
	"testing"

	"github.com/opstat/opstat/internal/store"
)

func row(principal uint32, op uint64, calls, reads int64, user float64) store.Row {
	return store.Row{
		Identity: store.Identity{Principal: principal, Database: 1, Operation: op},
		Counters: store.Counters{Calls: calls, Reads: reads, UserTime: user},
	}
}

func TestCompile(t *testing.T) {
	e, err := NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	t.Run("valid expressions compile", func(t *testing.T) {
		for _, expr := range []string{
			"calls > 100",
			"user_time + system_time > 0.5",
			"principal == 10u && reads > 0",
			"operation != 0u || writes == 0",
		} {
			if _, err := e.Compile(expr); err != nil {
				t.Errorf("Compile(%q): %v", expr, err)
			}
		}
	})

	t.Run("syntax errors are rejected", func(t *testing.T) {
		if _, err := e.Compile("calls >"); err == nil {
			t.Error("expected compile error for a truncated expression")
		}
	})

	t.Run("non-bool expressions are rejected", func(t *testing.T) {
		if _, err := e.Compile("calls + reads"); err == nil {
			t.Error("expected compile error for an int-valued filter")
		}
	})

	t.Run("unknown variables are rejected", func(t *testing.T) {
		if _, err := e.Compile("latency > 1.0"); err == nil {
			t.Error("expected compile error for an unknown variable")
		}
	})
}

func TestMatch(t *testing.T) {
	e, err := NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	f, err := e.Compile("principal == 10u && user_time > 0.1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		name string
		row  store.Row
		want bool
	}{
		{"matching row", row(10, 1, 5, 0, 0.5), true},
		{"wrong principal", row(11, 1, 5, 0, 0.5), false},
		{"too little user time", row(10, 1, 5, 0, 0.05), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Match(f, tt.row)
			if err != nil {
				t.Fatalf("Match: %v", err)
			}
			if got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	e, err := NewEvaluator(nil)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}

	rows := []store.Row{
		row(10, 1, 100, 50, 1.0),
		row(10, 2, 1, 0, 0.001),
		row(20, 3, 500, 0, 2.0),
	}

	f, err := e.Compile("calls >= 100")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	matched, err := e.Apply(f, rows)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected 2 matching rows, got %d", len(matched))
	}
	if matched[0].Operation != 1 || matched[1].Operation != 3 {
		t.Errorf("expected order preserved, got %+v", matched)
	}
}
