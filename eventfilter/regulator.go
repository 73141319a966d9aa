// Package eventfilter implements the EventFilterRegulator (C4): a
// per-tenant, pattern-matched exclusion/sampling filter applied before
// admission to the RecordStore.
package eventfilter

import (
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/ayodejiige/cpp-client-telemetry/store"
)

// rule is one (pattern, sample_rate) pair. rate is the keep-probability in
// [0,1]; 0 means unconditional drop, 1 means pass-through.
type rule struct {
	pattern string
	rate    float64
}

// Regulator is the EventFilterRegulator. The zero value is usable.
type Regulator struct {
	mu      sync.RWMutex
	filters map[string][]rule // tenant -> rules, insertion order preserved
}

// New returns an empty Regulator: no tenant has any filters, so
// ShouldSend always returns true.
func New() *Regulator {
	return &Regulator{filters: make(map[string][]rule)}
}

// SetFilters installs unconditional-drop patterns for tenant (the legacy
// surface spec.md §4.4 names), replacing any previously configured filters
// for that tenant.
func (r *Regulator) SetFilters(tenant string, patterns []string) {
	rates := make([]float64, len(patterns))
	r.SetSampledFilters(tenant, patterns, rates)
}

// SetSampledFilters installs per-pattern keep-probabilities for tenant.
// patterns and rates must have equal length or this returns
// store.ErrInvalidArgument and leaves the tenant's filters unchanged.
func (r *Regulator) SetSampledFilters(tenant string, patterns []string, rates []float64) error {
	if len(patterns) != len(rates) {
		return fmt.Errorf("%w: patterns and rates length mismatch (%d != %d)", store.ErrInvalidArgument, len(patterns), len(rates))
	}

	rules := make([]rule, len(patterns))
	for i, p := range patterns {
		rules[i] = rule{pattern: p, rate: rates[i]}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filters == nil {
		r.filters = make(map[string][]rule)
	}
	r.filters[tenant] = rules
	return nil
}

// ShouldSend reports whether an event named eventName for tenant, carrying
// recordID, should be admitted. First-match-wins over insertion order;
// sampling is a deterministic per-(tenant, event_name, record_id) hash so
// the decision is stable for the lifetime of one record (spec.md §4.4, §9).
func (r *Regulator) ShouldSend(tenant, eventName, recordID string) bool {
	r.mu.RLock()
	rules := r.filters[tenant]
	r.mu.RUnlock()

	for _, rule := range rules {
		matched, err := path.Match(rule.pattern, eventName)
		if err != nil || !matched {
			continue
		}
		if rule.rate <= 0 {
			return false
		}
		if rule.rate >= 1 {
			return true
		}
		return sampleKeep(tenant, eventName, recordID, rule.rate)
	}
	return true
}

// sampleKeep derives a uniform float in [0,1] from a blake3 digest of the
// tuple and compares it to rate, giving a decision that is reproducible for
// the same (tenant, event_name, record_id) across calls and process
// restarts without needing to persist any sampling state.
func sampleKeep(tenant, eventName, recordID string, rate float64) bool {
	h := blake3.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(eventName))
	h.Write([]byte{0})
	h.Write([]byte(recordID))
	sum := h.Sum(nil)

	// Top 8 bytes as an unsigned fraction of the uint64 space.
	var bits uint64
	for i := 0; i < 8; i++ {
		bits = bits<<8 | uint64(sum[i])
	}
	const maxUint64 = 1<<64 - 1
	fraction := float64(bits) / float64(maxUint64)
	return fraction < rate
}

// ParseRate parses a sample-rate string as used by the legacy
// percentage-style configuration surface ("0".."100" or "0.0".."1.0"),
// normalizing to [0,1]. Callers that already have a float don't need this.
func ParseRate(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid sample rate %q", store.ErrInvalidArgument, s)
	}
	if v > 1 {
		v = v / 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: sample rate %q out of range", store.ErrInvalidArgument, s)
	}
	return v, nil
}
