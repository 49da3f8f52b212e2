package shelterbase

import (
	"sort"
	"sync"
	"time"
)

// QueryPath is how a read was served.
type QueryPath string

const (
	PathCache QueryPath = "cache" // served from a current cache entry
	PathIndex QueryPath = "index" // store query with a covering index
	PathScan  QueryPath = "scan"  // store query with no covering index
)

// QueryProfile tracks execution details for a single read or aggregation
type QueryProfile struct {
	Method          string // "Read", "RunAggregation", "Near"
	StartTime       time.Time
	Duration        time.Duration
	Path            QueryPath
	IndexUsed       string // declared index name, or "" for a scan or cache hit
	ResultCount     int
	FilterFields    []string
	UnindexedFields []string
	Error           error
}

// QueryProfiler collects and reports query performance
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	maxProfiles        int
	slowQueryThreshold time.Duration
	enabled            bool
	now                func() time.Time
}

// NewQueryProfiler creates a profiler that keeps the most recent maxProfiles
// profiles (1000 when maxProfiles <= 0).
func NewQueryProfiler(maxProfiles int) *QueryProfiler {
	if maxProfiles <= 0 {
		maxProfiles = 1000
	}
	return &QueryProfiler{
		profiles:           make([]QueryProfile, 0),
		maxProfiles:        maxProfiles,
		slowQueryThreshold: 100 * time.Millisecond,
		enabled:            true,
		now:                time.Now,
	}
}

// SetSlowQueryThreshold sets the duration threshold for slow queries
func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

// SetEnabled enables or disables profiling
func (p *QueryProfiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// StartProfile begins profiling a query. It returns nil when disabled.
func (p *QueryProfiler) StartProfile(method string) *QueryProfile {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	enabled := p.enabled
	p.mu.RUnlock()

	if !enabled {
		return nil
	}

	return &QueryProfile{
		Method:    method,
		StartTime: p.now(),
	}
}

// Record records a completed query profile
func (p *QueryProfiler) Record(profile *QueryProfile) {
	if p == nil || profile == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	profile.Duration = p.now().Sub(profile.StartTime)
	p.profiles = append(p.profiles, *profile)
	if over := len(p.profiles) - p.maxProfiles; over > 0 {
		p.profiles = append(p.profiles[:0:0], p.profiles[over:]...)
	}
}

// GetProfiles returns all recorded profiles
func (p *QueryProfiler) GetProfiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]QueryProfile, len(p.profiles))
	copy(result, p.profiles)
	return result
}

// GetSlowQueries returns queries that exceeded the slow query threshold
func (p *QueryProfiler) GetSlowQueries() []QueryProfile {
	return p.filter(func(q QueryProfile, slow time.Duration) bool { return q.Duration > slow })
}

// GetUnindexed returns queries that filtered on at least one unindexed field
func (p *QueryProfiler) GetUnindexed() []QueryProfile {
	return p.filter(func(q QueryProfile, _ time.Duration) bool { return len(q.UnindexedFields) > 0 })
}

func (p *QueryProfiler) filter(keep func(QueryProfile, time.Duration) bool) []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]QueryProfile, 0)
	for _, profile := range p.profiles {
		if keep(profile, p.slowQueryThreshold) {
			out = append(out, profile)
		}
	}
	return out
}

// Clear clears all recorded profiles
func (p *QueryProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = make([]QueryProfile, 0)
}

// ProfileSummary aggregates recorded profiles
type ProfileSummary struct {
	TotalQueries    int
	SlowQueries     int
	CacheHits       int
	Scans           int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	ByMethod        map[string]MethodStats
	UnindexedFields map[string]int
}

type MethodStats struct {
	Count           int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration
	CacheHits       int
}

// GetSummary returns a statistical summary of all profiles
func (p *QueryProfiler) GetSummary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries:    len(p.profiles),
		ByMethod:        make(map[string]MethodStats),
		UnindexedFields: make(map[string]int),
	}

	if len(p.profiles) == 0 {
		return summary
	}

	var totalDuration time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))

	for _, profile := range p.profiles {
		totalDuration += profile.Duration
		durations = append(durations, profile.Duration)

		if profile.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		switch profile.Path {
		case PathCache:
			summary.CacheHits++
		case PathScan:
			summary.Scans++
		}
		for _, f := range profile.UnindexedFields {
			summary.UnindexedFields[f]++
		}

		stats := summary.ByMethod[profile.Method]
		stats.Count++
		stats.TotalDuration += profile.Duration
		if profile.Duration > stats.MaxDuration {
			stats.MaxDuration = profile.Duration
		}
		if profile.Path == PathCache {
			stats.CacheHits++
		}
		summary.ByMethod[profile.Method] = stats
	}

	summary.AverageDuration = totalDuration / time.Duration(len(p.profiles))
	for method, stats := range summary.ByMethod {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
		summary.ByMethod[method] = stats
	}

	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	summary.P99Duration = durations[len(durations)*99/100]

	return summary
}

// LogSummary writes the summary through logger at info level
func (p *QueryProfiler) LogSummary(logger Logger) {
	s := p.GetSummary()
	logger.Info("query profile summary",
		"total", s.TotalQueries,
		"slow", s.SlowQueries,
		"cache_hits", s.CacheHits,
		"scans", s.Scans,
		"avg", s.AverageDuration,
		"p95", s.P95Duration,
		"unindexed_fields", s.UnindexedFields,
	)
}
