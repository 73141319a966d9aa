package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
)

// MemoryBackend is the in-process fallback store: used for tests and as the
// corruption fallback a second StorageCorrupt degrades into for the process
// lifetime (spec.md §4.1). It mirrors the teacher's MemTable — a single
// mutex guarding a row set, with a running size estimate kept under an
// atomic counter the way memtable.go tracks SizeBytes — except rows carry
// full record metadata instead of columnar log fields, since lease state
// must be mutated in place.
type MemoryBackend struct {
	mu sync.RWMutex

	rows     map[string]record.Record
	settings map[string]string

	sizeBytes int64 // atomic; mirrors MemTable.SizeBytes's running estimate
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rows:     make(map[string]record.Record),
		settings: make(map[string]string),
	}
}

func (b *MemoryBackend) Open() (observer.StorageKind, error) {
	return observer.StorageKindInMemory, nil
}

func (b *MemoryBackend) Close() error { return nil }

func recordSize(r record.Record) int64 {
	n := int64(len(r.ID) + len(r.TenantToken) + len(r.Payload) + 24)
	for _, h := range r.HTTPHeaders {
		n += int64(len(h.Name) + len(h.Value))
	}
	return n
}

func (b *MemoryBackend) InsertRecord(r record.Record) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[r.ID] = r
	atomic.AddInt64(&b.sizeBytes, recordSize(r))
	return true, nil
}

// selectionLess implements spec.md §4.1's selection policy: latency DESC,
// Critical before Normal, timestamp ASC, id ASC tiebreak.
func selectionLess(a, b record.Record) bool {
	if a.Latency != b.Latency {
		return a.Latency > b.Latency
	}
	if a.Persistence != b.Persistence {
		return a.Persistence == record.PersistenceCritical
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// trimLess orders records for eviction: least urgent / Normal first, but
// still oldest-first within a shared latency/persistence bucket, matching
// SQLiteBackend.SelectTrimCandidates's
// "ORDER BY latency ASC, persistence ASC, timestamp ASC". This is not a
// plain reversal of selectionLess, which would also flip the timestamp
// tiebreak to newest-first and evict the wrong record within a bucket.
func trimLess(a, b record.Record) bool {
	if a.Latency != b.Latency {
		return a.Latency < b.Latency
	}
	if a.Persistence != b.Persistence {
		return a.Persistence == record.PersistenceNormal
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

func (b *MemoryBackend) ReserveBatch(minLatency record.Latency, maxCount int, reservedUntil int64, nowMonotonic int64) ([]record.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maxCount <= 0 {
		return nil, nil
	}

	var candidates []record.Record
	for _, r := range b.rows {
		if r.Latency < minLatency {
			continue
		}
		if r.Reserved(nowMonotonic) {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return selectionLess(candidates[i], candidates[j])
	})
	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]record.Record, 0, len(candidates))
	for _, r := range candidates {
		r.ReservedUntil = reservedUntil
		b.rows[r.ID] = r
		out = append(out, r)
	}
	return out, nil
}

func (b *MemoryBackend) UnreserveRecords(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if r, ok := b.rows[id]; ok {
			r.ReservedUntil = 0
			b.rows[id] = r
		}
	}
	return nil
}

func (b *MemoryBackend) IncrementRetry(ids []string) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make(map[string]int, len(ids))
	for _, id := range ids {
		r, ok := b.rows[id]
		if !ok {
			continue
		}
		r.RetryCount++
		r.ReservedUntil = 0
		b.rows[id] = r
		result[id] = r.RetryCount
	}
	return result, nil
}

func (b *MemoryBackend) DeleteRecords(ids []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if r, ok := b.rows[id]; ok {
			atomic.AddInt64(&b.sizeBytes, -recordSize(r))
			delete(b.rows, id)
		}
	}
	return nil
}

func (b *MemoryBackend) SetHeaders(ids []string, headers []record.Header) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		r, ok := b.rows[id]
		if !ok {
			continue
		}
		atomic.AddInt64(&b.sizeBytes, -recordSize(r))
		r.HTTPHeaders = headers
		b.rows[id] = r
		atomic.AddInt64(&b.sizeBytes, recordSize(r))
	}
	return nil
}

func (b *MemoryBackend) matches(r record.Record, filter map[string]string) bool {
	for k, v := range filter {
		switch k {
		case "id":
			if r.ID != v {
				return false
			}
		case "tenant_token":
			if r.TenantToken != v {
				return false
			}
		case "latency":
			if r.Latency.String() != v {
				return false
			}
		case "persistence":
			if r.Persistence.String() != v {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (b *MemoryBackend) DeleteMatching(filter map[string]string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for id, r := range b.rows {
		if b.matches(r, filter) {
			atomic.AddInt64(&b.sizeBytes, -recordSize(r))
			delete(b.rows, id)
			count++
		}
	}
	return count, nil
}

func (b *MemoryBackend) RecordCount(minLatency *record.Latency) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if minLatency == nil {
		return len(b.rows), nil
	}
	count := 0
	for _, r := range b.rows {
		if r.Latency >= *minLatency {
			count++
		}
	}
	return count, nil
}

func (b *MemoryBackend) SizeBytes() (int64, error) {
	return atomic.LoadInt64(&b.sizeBytes), nil
}

func (b *MemoryBackend) TenantByteUsage() (map[string]int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	usage := make(map[string]int64)
	for _, r := range b.rows {
		usage[r.TenantToken] += recordSize(r)
	}
	return usage, nil
}

func (b *MemoryBackend) TenantRecordCount(tenant string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, r := range b.rows {
		if r.TenantToken == tenant {
			count++
		}
	}
	return count, nil
}

func (b *MemoryBackend) SelectTrimCandidates(tenant string, count int) ([]string, error) {
	b.mu.RLock()
	var candidates []record.Record
	for _, r := range b.rows {
		if tenant != "" && r.TenantToken != tenant {
			continue
		}
		candidates = append(candidates, r)
	}
	b.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return trimLess(candidates[i], candidates[j])
	})
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	ids := make([]string, len(candidates))
	for i, r := range candidates {
		ids[i] = r.ID
	}
	return ids, nil
}

func (b *MemoryBackend) GetSetting(name string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.settings[name]
	return v, ok, nil
}

func (b *MemoryBackend) SetSetting(name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settings[name] = value
	return nil
}

func (b *MemoryBackend) ClearExpiredReservations(nowMonotonic int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, r := range b.rows {
		if r.ReservedUntil != 0 && r.ReservedUntil <= nowMonotonic {
			r.ReservedUntil = 0
			b.rows[id] = r
		}
	}
	return nil
}

func (b *MemoryBackend) ClearAllReservations() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, r := range b.rows {
		if r.ReservedUntil != 0 {
			r.ReservedUntil = 0
			b.rows[id] = r
		}
	}
	return nil
}

func (b *MemoryBackend) AllRecords() ([]record.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]record.Record, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, r)
	}
	return out, nil
}
