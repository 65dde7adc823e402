package kstats

import (
	"strings"
	"testing"
)

func TestCounterIncAndAdd(t *testing.T) {
	var c Counter
	c.Inc()
	c.Inc()
	c.Add(5)
	if got := c.Value(); got != 7 {
		t.Fatalf("want 7, got %d", got)
	}
}

func TestCyclesSinceAccumulates(t *testing.T) {
	var c Counter
	c.CyclesSince(0)
	if c.Value() < 0 {
		t.Fatalf("want a non-negative cycle delta, got %d", c.Value())
	}
}

func TestRegistryStringListsEveryCounterInRegistrationOrder(t *testing.T) {
	r := New()
	var pageFaults, syscalls Counter
	pageFaults.Add(3)
	syscalls.Add(9)
	r.Register("page_faults", &pageFaults)
	r.Register("syscalls", &syscalls)

	out := r.String()
	pfIdx := strings.Index(out, "page_faults")
	scIdx := strings.Index(out, "syscalls")
	if pfIdx == -1 || scIdx == -1 {
		t.Fatalf("want both counters listed: %q", out)
	}
	if pfIdx > scIdx {
		t.Fatalf("want page_faults listed before syscalls (registration order): %q", out)
	}
	if !strings.Contains(out, "3") || !strings.Contains(out, "9") {
		t.Fatalf("want counter values in output: %q", out)
	}
}

func TestRegistrySnapshotProducesOneSamplePerCounter(t *testing.T) {
	r := New()
	var a, b Counter
	a.Add(10)
	b.Add(20)
	r.Register("a", &a)
	r.Register("b", &b)

	p := r.Snapshot()
	if len(p.Sample) != 2 {
		t.Fatalf("want 2 samples, got %d", len(p.Sample))
	}
	if len(p.SampleType) != 1 || p.SampleType[0].Type != "count" {
		t.Fatalf("unexpected sample type: %+v", p.SampleType)
	}
	total := int64(0)
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	if total != 30 {
		t.Fatalf("want total value 30, got %d", total)
	}
}

func TestRegistryReRegisterKeepsOriginalPosition(t *testing.T) {
	r := New()
	var first, second Counter
	r.Register("x", &first)
	r.Register("y", &second)
	var replacement Counter
	replacement.Add(42)
	r.Register("x", &replacement)

	out := r.String()
	if strings.Index(out, "x") > strings.Index(out, "y") {
		t.Fatalf("re-registering x should not move it after y: %q", out)
	}
	if !strings.Contains(out, "42") {
		t.Fatalf("want replacement counter's value reflected: %q", out)
	}
}
