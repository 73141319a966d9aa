// Package diaglevel implements the DiagLevelFilter (C3): a pure in-memory
// predicate deciding whether a logger at a given diagnostic level may emit
// at all.
package diaglevel

import "sync/atomic"

// snapshot is the immutable state a Filter's atomic.Value points to. Writes
// replace the whole snapshot; reads never block on a writer (spec.md §4.3's
// concurrency note: "reads vastly outnumber writes; use a single
// shared-lock or atomic pointer to an immutable snapshot").
type snapshot struct {
	defaultLevel uint8
	min          uint8
	max          uint8
	set          map[uint8]struct{}
}

func defaultSnapshot() *snapshot {
	return &snapshot{defaultLevel: 0, min: 0, max: 0xff}
}

func (s *snapshot) isDefault() bool {
	return s.defaultLevel == 0 && s.min == 0 && s.max == 0xff && len(s.set) == 0
}

// Filter is the DiagLevelFilter. The zero value is not usable; use New.
type Filter struct {
	v atomic.Value // *snapshot
}

// New returns a Filter in the documented "accept all" default state.
func New() *Filter {
	f := &Filter{}
	f.v.Store(defaultSnapshot())
	return f
}

func (f *Filter) load() *snapshot {
	return f.v.Load().(*snapshot)
}

// SetRange puts the filter in range mode: enabled levels are
// [min, max] inclusive. Clears any explicit set.
func (f *Filter) SetRange(defaultLevel, min, max uint8) {
	f.v.Store(&snapshot{defaultLevel: defaultLevel, min: min, max: max})
}

// SetSet puts the filter in set mode: only levels present in levels are
// enabled. An empty levels reverts to range mode with the documented
// identity range (spec.md §8 boundary behavior: "Setting the diag-level set
// to empty reverts to range mode").
func (f *Filter) SetSet(defaultLevel uint8, levels map[uint8]struct{}) {
	if len(levels) == 0 {
		f.SetRange(defaultLevel, 0, 0xff)
		return
	}
	set := make(map[uint8]struct{}, len(levels))
	for l := range levels {
		set[l] = struct{}{}
	}
	f.v.Store(&snapshot{defaultLevel: defaultLevel, set: set})
}

// IsEnabled reports whether level may emit: set-membership in set mode,
// inclusive range otherwise.
func (f *Filter) IsEnabled(level uint8) bool {
	s := f.load()
	if len(s.set) > 0 {
		_, ok := s.set[level]
		return ok
	}
	return s.min <= s.max && s.min <= level && level <= s.max
}

// IsFilteringEnabled reports whether the filter deviates from the
// documented all-accepting defaults.
func (f *Filter) IsFilteringEnabled() bool {
	return !f.load().isDefault()
}

// DefaultLevel returns the configured default level, used by callers that
// emit without an explicit level.
func (f *Filter) DefaultLevel() uint8 {
	return f.load().defaultLevel
}
