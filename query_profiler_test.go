package shelterbase

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// steppingClock advances by step on every call.
func steppingClock(step time.Duration) func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func TestQueryProfilerRecord(t *testing.T) {
	p := NewQueryProfiler(10)
	p.now = steppingClock(50 * time.Millisecond)

	profile := p.StartProfile("Read")
	if profile == nil {
		t.Fatal("StartProfile returned nil on an enabled profiler")
	}
	profile.Path = PathScan
	profile.FilterFields = []string{"color"}
	profile.UnindexedFields = []string{"color"}
	profile.ResultCount = 3
	p.Record(profile)

	got := p.GetProfiles()
	if len(got) != 1 {
		t.Fatalf("profiles = %d, want 1", len(got))
	}
	if got[0].Duration != 50*time.Millisecond {
		t.Errorf("duration = %v, want 50ms", got[0].Duration)
	}
	if len(p.GetUnindexed()) != 1 {
		t.Error("scan on color should be listed as unindexed")
	}
}

func TestQueryProfilerRingBuffer(t *testing.T) {
	p := NewQueryProfiler(3)
	for i := 0; i < 5; i++ {
		profile := p.StartProfile("Read")
		profile.ResultCount = i
		p.Record(profile)
	}

	got := p.GetProfiles()
	counts := make([]int, len(got))
	for i, q := range got {
		counts[i] = q.ResultCount
	}
	if diff := cmp.Diff([]int{2, 3, 4}, counts); diff != "" {
		t.Errorf("kept profiles mismatch (-want +got):\n%s", diff)
	}
}

func TestQueryProfilerSlowQueries(t *testing.T) {
	p := NewQueryProfiler(0)
	p.SetSlowQueryThreshold(75 * time.Millisecond)

	p.now = steppingClock(10 * time.Millisecond)
	p.Record(p.StartProfile("Read"))
	p.now = steppingClock(100 * time.Millisecond)
	p.Record(p.StartProfile("RunAggregation"))

	slow := p.GetSlowQueries()
	if len(slow) != 1 || slow[0].Method != "RunAggregation" {
		t.Errorf("slow queries = %+v", slow)
	}
}

func TestQueryProfilerDisabled(t *testing.T) {
	p := NewQueryProfiler(10)
	p.SetEnabled(false)
	if p.StartProfile("Read") != nil {
		t.Error("disabled profiler should not start profiles")
	}
	p.Record(&QueryProfile{Method: "Read"})
	if len(p.GetProfiles()) != 0 {
		t.Error("disabled profiler recorded a profile")
	}

	var nilProfiler *QueryProfiler
	if nilProfiler.StartProfile("Read") != nil {
		t.Error("nil profiler should return nil")
	}
	nilProfiler.Record(&QueryProfile{})
}

func TestQueryProfilerSummary(t *testing.T) {
	p := NewQueryProfiler(100)
	p.SetSlowQueryThreshold(25 * time.Millisecond)

	record := func(method string, path QueryPath, d time.Duration, unindexed ...string) {
		p.now = steppingClock(d)
		profile := p.StartProfile(method)
		profile.Path = path
		profile.UnindexedFields = unindexed
		p.Record(profile)
	}
	record("Read", PathCache, time.Millisecond)
	record("Read", PathIndex, 10*time.Millisecond)
	record("Read", PathScan, 30*time.Millisecond, "color")
	record("Near", PathIndex, 20*time.Millisecond)

	s := p.GetSummary()
	if s.TotalQueries != 4 || s.SlowQueries != 1 || s.CacheHits != 1 || s.Scans != 1 {
		t.Errorf("summary counts = %+v", s)
	}
	if s.UnindexedFields["color"] != 1 {
		t.Errorf("unindexed fields = %v", s.UnindexedFields)
	}
	read := s.ByMethod["Read"]
	if read.Count != 3 || read.CacheHits != 1 || read.MaxDuration != 30*time.Millisecond {
		t.Errorf("Read stats = %+v", read)
	}
	if s.P50Duration != 20*time.Millisecond {
		t.Errorf("p50 = %v, want 20ms", s.P50Duration)
	}

	p.LogSummary(&NoOpLogger{})
	p.Clear()
	if got := p.GetSummary(); got.TotalQueries != 0 {
		t.Errorf("summary after Clear = %+v", got)
	}
}
