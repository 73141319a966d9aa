// Package store implements the durable RecordStore (C1) and the lease
// protocol (C2) that spec.md describes as "logically part of the
// RecordStore transactionally". Store orchestrates a pluggable Backend the
// same way the teacher's query_engine.go wires a MemTable/WAL/flusher
// together behind a single entry type.
package store

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
	"github.com/ayodejiige/cpp-client-telemetry/telelog"
)

// Config collects the tunables named in spec.md §6's "Configuration keys
// recognized by the core", plus the trim-percentage and full-check-interval
// knobs §4.1 names in prose without a config-key home.
type Config struct {
	CacheFileFullNotificationPercentage float64
	CacheFileSize                       int64
	MaxRetryCount                       int
	RAMQueueSize                        int64
	StorageFullNotificationIntervalMs   int64

	TrimPercentage    float64
	DBFullCheckTimeMs int64

	// HonorReservationsAcrossRestart resolves the open question in spec.md
	// §9; default false (clear reservations on open after a crash).
	HonorReservationsAcrossRestart bool

	// NowMonotonic/NowMillis are overridable for tests; default to
	// time.Now()-derived clocks.
	NowMonotonic func() int64
	NowMillis    func() int64
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		CacheFileFullNotificationPercentage: 75,
		CacheFileSize:                       3 * 1024 * 1024,
		MaxRetryCount:                       5,
		RAMQueueSize:                        512 * 1024,
		StorageFullNotificationIntervalMs:   600000,
		TrimPercentage:                      25,
		DBFullCheckTimeMs:                   5000,
		HonorReservationsAcrossRestart:      false,
		NowMonotonic:                        func() int64 { return time.Now().UnixNano() },
		NowMillis:                           func() int64 { return time.Now().UnixNano() / int64(time.Millisecond) },
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.CacheFileFullNotificationPercentage == 0 {
		c.CacheFileFullNotificationPercentage = d.CacheFileFullNotificationPercentage
	}
	if c.CacheFileSize == 0 {
		c.CacheFileSize = d.CacheFileSize
	}
	if c.MaxRetryCount == 0 {
		c.MaxRetryCount = d.MaxRetryCount
	}
	if c.RAMQueueSize == 0 {
		c.RAMQueueSize = d.RAMQueueSize
	}
	if c.StorageFullNotificationIntervalMs == 0 {
		c.StorageFullNotificationIntervalMs = d.StorageFullNotificationIntervalMs
	}
	if c.TrimPercentage == 0 {
		c.TrimPercentage = d.TrimPercentage
	}
	if c.DBFullCheckTimeMs == 0 {
		c.DBFullCheckTimeMs = d.DBFullCheckTimeMs
	}
	if c.NowMonotonic == nil {
		c.NowMonotonic = d.NowMonotonic
	}
	if c.NowMillis == nil {
		c.NowMillis = d.NowMillis
	}
}

// Store is the RecordStore (C1) plus the LeaseManager (C2) invariants L1-L4,
// backed by exactly one Backend at a time. A second corruption detection
// degrades it permanently to an in-memory fallback for the process lifetime
// (spec.md §4.1's failure semantics).
type Store struct {
	mu sync.Mutex

	config     Config
	newBackend func() Backend
	backend    Backend
	obs        observer.StorageObserver
	log        *telelog.Logger

	corruptions   int
	degraded      bool
	expectedEpoch string

	lastFullCheckMono  int64
	lastFullNotifyMono int64
	fullNotified       bool
}

// New returns a Store that opens backends produced by newBackend. newBackend
// is called again on every reopen attempt, so it must return a fresh,
// unopened Backend each time (e.g. func() store.Backend { return
// store.NewSQLiteBackend(path) }).
func New(config Config, newBackend func() Backend) *Store {
	config.setDefaults()
	return &Store{
		config:     config,
		newBackend: newBackend,
		obs:        observer.Noop{},
		log:        telelog.New("store"),
	}
}

// Initialize opens or creates the backing store, verifies its schema, and
// registers obs for out-of-band notifications (spec.md §4.1).
func (s *Store) Initialize(obs observer.StorageObserver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obs != nil {
		s.obs = obs
	}
	return s.open()
}

// open performs the open/verify cycle. A failed verification closes the
// backend and retries once with a fresh Backend from newBackend; the old
// file is not renamed or deleted, so a backend that reopens the same
// corrupt file fails again, and that second failure degrades the store to
// an in-memory backend. Caller must hold s.mu.
func (s *Store) open() error {
	if s.degraded {
		mem := NewMemoryBackend()
		kind, _ := mem.Open()
		s.backend = mem
		s.obs.OnStorageOpened(kind)
		return nil
	}

	backend := s.newBackend()
	kind, err := backend.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := s.verifySchemaAndEpoch(backend); err != nil {
		backend.Close()
		s.corruptions++
		s.log.Printf("storage verification failed (attempt %d): %v", s.corruptions, err)

		if s.corruptions >= 2 {
			s.log.Printf("second corruption detected, degrading to in-memory fallback for process lifetime")
			mem := NewMemoryBackend()
			if _, err := mem.Open(); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageCorrupt, err)
			}
			s.backend = mem
			s.degraded = true
			s.obs.OnStorageFailed(observer.ErrorKindCorrupt, err.Error())
			s.obs.OnStorageOpened(observer.StorageKindInMemory)
			return nil
		}
		return s.open()
	}

	if s.config.HonorReservationsAcrossRestart {
		if err := backend.ClearExpiredReservations(s.config.NowMonotonic()); err != nil {
			backend.Close()
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	} else {
		if err := backend.ClearAllReservations(); err != nil {
			backend.Close()
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	s.backend = backend
	s.obs.OnStorageOpened(kind)
	return nil
}

// verifySchemaAndEpoch implements spec.md §4.1/§6's schema-version gate and
// §4.1's epoch-tamper check. A missing schema/epoch row means first-open and
// is stamped fresh rather than treated as corruption.
func (s *Store) verifySchemaAndEpoch(b Backend) error {
	version, ok, err := b.GetSetting(record.SettingSchemaVersion)
	if err != nil {
		return err
	}
	if !ok {
		if err := b.SetSetting(record.SettingSchemaVersion, record.SchemaVersion); err != nil {
			return err
		}
	} else if version != record.SchemaVersion {
		return fmt.Errorf("%w: schema version %q incompatible with %q", ErrStorageCorrupt, version, record.SchemaVersion)
	}

	epoch, ok, err := b.GetSetting(record.SettingStorageEpoch)
	if err != nil {
		return err
	}
	if !ok {
		epoch = record.NewID()
		if err := b.SetSetting(record.SettingStorageEpoch, epoch); err != nil {
			return err
		}
	} else if s.expectedEpoch != "" && epoch != s.expectedEpoch {
		return fmt.Errorf("%w: storage epoch mismatch, possible external tampering", ErrStorageCorrupt)
	}
	s.expectedEpoch = epoch
	return nil
}

// Shutdown flushes pending state, releases in-memory leases, and closes the
// backing store. Idempotent.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.ClearAllReservations(); err != nil {
		s.log.Printf("shutdown: clear reservations: %v", err)
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

// Store inserts r, applying the single-record quota check (spec.md §8's
// boundary behavior) and triggering a soft-threshold quota check.
func (s *Store) Store(r record.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return false, ErrStorageUnavailable
	}
	if recordSize(r) > s.config.CacheFileSize {
		return false, ErrQuotaRejected
	}

	ok, err := s.backend.InsertRecord(r)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return false, nil
	}

	if err := s.checkAfterInsert(); err != nil {
		s.log.Printf("quota check after insert: %v", err)
	}
	return true, nil
}

// Acquire implements spec.md §4.1's acquire contract. consumer is invoked
// once per selected record on the caller's goroutine; returning false for a
// record rolls back its reservation within the same call. Returns true iff
// at least one record was delivered (consumer accepted it).
func (s *Store) Acquire(minLatency record.Latency, maxCount int, leaseMs int64, consumer func(record.Record) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return false, ErrStorageUnavailable
	}
	if maxCount <= 0 {
		return false, nil
	}

	now := s.config.NowMonotonic()
	reservedUntil := now + leaseMs*int64(time.Millisecond)

	candidates, err := s.backend.ReserveBatch(minLatency, maxCount, reservedUntil, now)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	delivered := false
	var declined []string
	for _, r := range candidates {
		if consumer(r) {
			delivered = true
		} else {
			declined = append(declined, r.ID)
		}
	}
	if len(declined) > 0 {
		if err := s.backend.UnreserveRecords(declined); err != nil {
			s.log.Printf("acquire: rollback declined reservations: %v", err)
		}
	}
	return delivered, nil
}

// Complete deletes ids, first attaching headers to each record's
// pre-deletion diagnostic trace (spec.md §4.1: "attach headers to the
// pre-deletion diagnostic trace if the backing store supports it"). An id
// for a record no longer present (already completed, already trimmed) is
// silently treated as success, per spec.md §7's LeaseExpired policy.
func (s *Store) Complete(ids []string, headers []record.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return ErrStorageUnavailable
	}
	if len(headers) > 0 {
		if err := s.backend.SetHeaders(ids, headers); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	if err := s.backend.DeleteRecords(ids); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Release clears reservedUntil on ids and, if incrementRetry is true,
// increments retry_count; records crossing max_retry_count are deleted and
// reported to the observer instead of released (spec.md invariant R3/L3).
// headers is persisted onto every targeted record before any state change,
// realizing spec.md §3's "http_headers: ... captured at the time of the
// last upload attempt" for records that remain available for a future
// retry, not only ones about to be deleted.
func (s *Store) Release(ids []string, incrementRetry bool, headers []record.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend == nil {
		return ErrStorageUnavailable
	}
	if len(headers) > 0 {
		if err := s.backend.SetHeaders(ids, headers); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	if !incrementRetry {
		if err := s.backend.UnreserveRecords(ids); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil
	}

	counts, err := s.backend.IncrementRetry(ids)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var exhausted []string
	byTenant := map[string]int{}
	for id, count := range counts {
		if count > s.config.MaxRetryCount {
			exhausted = append(exhausted, id)
		}
	}
	if len(exhausted) == 0 {
		return nil
	}

	tenantByID, err := s.tenantsFor(exhausted)
	if err != nil {
		return err
	}
	for _, id := range exhausted {
		byTenant[tenantByID[id]]++
	}
	if err := s.backend.DeleteRecords(exhausted); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.obs.OnRecordsDropped(observer.DropReasonRetriesExhausted, len(exhausted), byTenant)
	return nil
}

func (s *Store) tenantsFor(ids []string) (map[string]string, error) {
	all, err := s.backend.AllRecords()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]string, len(ids))
	for _, r := range all {
		if want[r.ID] {
			out[r.ID] = r.TenantToken
		}
	}
	return out, nil
}

// DeleteMatching deletes records whose metadata matches every key/value
// pair in filter and returns the count removed (spec.md §4.1).
func (s *Store) DeleteMatching(filter map[string]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return 0, ErrStorageUnavailable
	}
	count, err := s.backend.DeleteMatching(filter)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetRecordCount returns the number of stored records, optionally filtered
// to latency >= minLatency.
func (s *Store) GetRecordCount(minLatency *record.Latency) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return 0, ErrStorageUnavailable
	}
	return s.backend.RecordCount(minLatency)
}

// GetSize returns the current size estimate of the backing store.
func (s *Store) GetSize() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return 0, ErrStorageUnavailable
	}
	return s.backend.SizeBytes()
}

// Resize runs an on-demand quota check, bypassing the DBFullCheckTimeMs
// gate, and reports whether the store is at or under the hard limit
// afterward (spec.md §4.1: "resize() -> bool", invoked by quota logic).
func (s *Store) Resize() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return false, ErrStorageUnavailable
	}
	size, err := s.backend.SizeBytes()
	if err != nil {
		return false, err
	}
	if err := s.runFullCheck(size); err != nil {
		return false, err
	}
	size, err = s.backend.SizeBytes()
	if err != nil {
		return false, err
	}
	return size <= s.config.CacheFileSize, nil
}

// MaintenanceTick runs the periodic full-check spec.md §4.1 describes: at
// most once per DBFullCheckTimeMs. Intended to be called from a ticker in
// the owning process's maintenance worker (see trim.go's Maintainer).
func (s *Store) MaintenanceTick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}

	now := s.config.NowMonotonic()
	if now-s.lastFullCheckMono < s.config.DBFullCheckTimeMs*int64(time.Millisecond) {
		return nil
	}
	size, err := s.backend.SizeBytes()
	if err != nil {
		return err
	}
	return s.runFullCheck(size)
}

// checkAfterInsert runs the mandatory post-insert soft-threshold check
// (spec.md §4.1: "always immediately after an insertion that increases the
// size estimate past the soft threshold"), bypassing the interval gate.
// Caller must hold s.mu.
func (s *Store) checkAfterInsert() error {
	size, err := s.backend.SizeBytes()
	if err != nil {
		return err
	}
	if size < s.softLimitBytes() {
		return nil
	}
	return s.runFullCheck(size)
}

func (s *Store) softLimitBytes() int64 {
	return int64(float64(s.config.CacheFileSize) * s.config.CacheFileFullNotificationPercentage / 100)
}

// runFullCheck implements spec.md §4.1's trim policy body. Caller must hold
// s.mu.
func (s *Store) runFullCheck(size int64) error {
	s.lastFullCheckMono = s.config.NowMonotonic()
	utilizationPct := float64(size) / float64(s.config.CacheFileSize) * 100

	if size < s.config.CacheFileSize {
		s.notifyStorageFull(utilizationPct)
		return nil
	}
	return s.trim(utilizationPct)
}

// notifyStorageFull rate-limits OnStorageFull per
// StorageFullNotificationIntervalMs, tracked via lastFullNotifyMono (the
// realization of spec.md's is_storage_full_notification_send_time).
func (s *Store) notifyStorageFull(utilizationPct float64) {
	now := s.config.NowMonotonic()
	if s.fullNotified && now-s.lastFullNotifyMono < s.config.StorageFullNotificationIntervalMs*int64(time.Millisecond) {
		return
	}
	s.fullNotified = true
	s.lastFullNotifyMono = now
	s.obs.OnStorageFull(utilizationPct)
}

// trim implements the hard-limit eviction body: per-tenant fair-share trim,
// then a global reverse-order sweep if still over the limit. Caller must
// hold s.mu.
func (s *Store) trim(utilizationPct float64) error {
	usage, err := s.backend.TenantByteUsage()
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		s.notifyStorageFull(utilizationPct)
		return nil
	}

	var total int64
	for _, v := range usage {
		total += v
	}
	fairShare := total / int64(len(usage))

	dropped := map[string]int{}
	for tenant, bytes := range usage {
		if bytes <= fairShare {
			continue
		}
		tenantRecords, err := s.backend.TenantRecordCount(tenant)
		if err != nil {
			return err
		}
		trimCount := int(math.Ceil(float64(tenantRecords) * s.config.TrimPercentage / 100))
		if trimCount <= 0 {
			continue
		}
		ids, err := s.backend.SelectTrimCandidates(tenant, trimCount)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		if err := s.backend.DeleteRecords(ids); err != nil {
			return err
		}
		dropped[tenant] = len(ids)
	}

	if len(dropped) > 0 {
		s.obs.OnRecordsDropped(observer.DropReasonTrim, sumCounts(dropped), dropped)
	}
	s.notifyStorageFull(utilizationPct)

	size, err := s.backend.SizeBytes()
	if err != nil {
		return err
	}
	if size <= s.config.CacheFileSize {
		return nil
	}
	return s.evictGlobally(size)
}

// evictGlobally deletes records in reverse selection order, tenant-agnostic,
// until the store is back under the hard limit (spec.md §4.1 point 4).
func (s *Store) evictGlobally(size int64) error {
	byTenant := map[string]int{}
	total := 0

	for size > s.config.CacheFileSize {
		ids, err := s.backend.SelectTrimCandidates("", globalEvictionBatch)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			break
		}

		tenantByID, err := s.tenantsFor(ids)
		if err != nil {
			return err
		}
		if err := s.backend.DeleteRecords(ids); err != nil {
			return err
		}
		for _, id := range ids {
			byTenant[tenantByID[id]]++
			total++
		}

		size, err = s.backend.SizeBytes()
		if err != nil {
			return err
		}
	}

	if total > 0 {
		s.obs.OnRecordsDropped(observer.DropReasonPressureEviction, total, byTenant)
	}
	return nil
}

// globalEvictionBatch caps how many candidates evictGlobally asks for per
// round, so one pass never holds an unbounded id slice in memory.
const globalEvictionBatch = 64

func sumCounts(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}
