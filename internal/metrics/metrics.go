package metrics

import (
	"expvar"
	"net/http"
	"time"
)

// Global metrics exposed via expvar
var (
	// Counters
	Invocations    = expvar.NewInt("appvm_invocations")
	NestedCalls    = expvar.NewInt("appvm_nested_calls")
	RefusedCalls   = expvar.NewInt("appvm_refused_calls")
	Commits        = expvar.NewInt("appvm_commits")
	CommitFailures = expvar.NewInt("appvm_commit_failures")
	GasUsedTotal   = expvar.NewInt("appvm_gas_used_total")
	CacheHits      = expvar.NewInt("appvm_module_cache_hits")
	CacheMisses    = expvar.NewInt("appvm_module_cache_misses")
	CacheEvictions = expvar.NewInt("appvm_module_cache_evictions")
	ModulesLoaded  = expvar.NewInt("appvm_modules_loaded")
	LoadRejections = expvar.NewInt("appvm_load_rejections")

	// Traps keyed by cause
	Traps = expvar.NewMap("appvm_traps")

	// String metrics
	Backend   = expvar.NewString("appvm_backend")
	StartTime = expvar.NewString("appvm_start_time")
)

func init() {
	StartTime.Set(time.Now().UTC().Format(time.RFC3339))
	Backend.Set("unknown")
}

// SetBackend records the sandbox backend in use
func SetBackend(kind string) {
	Backend.Set(kind)
}

// RecordInvocation records one entry point call, nested or root
func RecordInvocation(nested bool) {
	Invocations.Add(1)
	if nested {
		NestedCalls.Add(1)
	}
	observeInvocation(nested)
}

// RecordRefusedCall records a call the router refused to enter
func RecordRefusedCall(kind string) {
	RefusedCalls.Add(1)
	observeRefused(kind)
}

// RecordTrap records a trap by cause
func RecordTrap(cause string) {
	Traps.Add(cause, 1)
	observeTrap(cause)
}

// RecordCommit records the outcome of a transaction commit
func RecordCommit(ok bool, gasUsed uint64) {
	if ok {
		Commits.Add(1)
	} else {
		CommitFailures.Add(1)
	}
	GasUsedTotal.Add(int64(gasUsed))
	observeCommit(ok, gasUsed)
}

// RecordCache records a module registry lookup
func RecordCache(hit bool) {
	if hit {
		CacheHits.Add(1)
	} else {
		CacheMisses.Add(1)
	}
	observeCache(hit)
}

// RecordEviction records a compiled module evicted from the registry
func RecordEviction() {
	CacheEvictions.Add(1)
}

// RecordLoad records a module load attempt
func RecordLoad(ok bool) {
	if ok {
		ModulesLoaded.Add(1)
	} else {
		LoadRejections.Add(1)
	}
}

// Handler returns the HTTP handler for /debug/vars
func Handler() http.Handler {
	return expvar.Handler()
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Invocations    int64            `json:"invocations"`
	NestedCalls    int64            `json:"nested_calls"`
	RefusedCalls   int64            `json:"refused_calls"`
	Commits        int64            `json:"commits"`
	CommitFailures int64            `json:"commit_failures"`
	GasUsedTotal   int64            `json:"gas_used_total"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	Traps          map[string]int64 `json:"traps"`
	Backend        string           `json:"backend"`
	StartTime      string           `json:"start_time"`
}

// GetSnapshot returns a snapshot of current metrics
func GetSnapshot() *Snapshot {
	s := &Snapshot{
		Invocations:    Invocations.Value(),
		NestedCalls:    NestedCalls.Value(),
		RefusedCalls:   RefusedCalls.Value(),
		Commits:        Commits.Value(),
		CommitFailures: CommitFailures.Value(),
		GasUsedTotal:   GasUsedTotal.Value(),
		CacheHits:      CacheHits.Value(),
		CacheMisses:    CacheMisses.Value(),
		Traps:          map[string]int64{},
		Backend:        Backend.Value(),
		StartTime:      StartTime.Value(),
	}
	Traps.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			s.Traps[kv.Key] = v.Value()
		}
	})
	return s
}

// Reset resets all counters (useful for testing)
func Reset() {
	for _, v := range []*expvar.Int{
		Invocations, NestedCalls, RefusedCalls, Commits, CommitFailures,
		GasUsedTotal, CacheHits, CacheMisses, CacheEvictions, ModulesLoaded, LoadRejections,
	} {
		v.Set(0)
	}
	Traps.Init()
}
