package store

import (
	"github.com/ayodejiige/cpp-client-telemetry/observer"
	"github.com/ayodejiige/cpp-client-telemetry/record"
)

// Backend is the pluggable persistence surface behind Store. SQLiteBackend
// is the durable implementation; MemoryBackend is the in-process fallback
// used for tests and for corruption recovery (spec.md §6: "In-memory mode:
// identical surface; backed by equivalent in-process structures").
//
// Every method here is expected to be internally atomic with respect to
// concurrent calls on the same Backend; Store serializes the higher-level
// operations spec.md describes (store/acquire/complete/release/trim) on top
// of that guarantee.
type Backend interface {
	// Open prepares the backend for use and reports how it was opened.
	Open() (observer.StorageKind, error)
	Close() error

	// InsertRecord adds r. ok is false only when the caller should treat
	// this as a quota rejection. Quota policy, including the
	// single-record-too-large check and tenant/global trim, lives in Store;
	// SQLiteBackend and MemoryBackend never return false.
	InsertRecord(r record.Record) (ok bool, err error)

	// ReserveBatch selects up to maxCount records with latency >= minLatency
	// whose lease state is available or expired-reserved, in the selection
	// order from spec.md §4.1, and stamps reservedUntil on each selected
	// record before returning it.
	ReserveBatch(minLatency record.Latency, maxCount int, reservedUntil int64, nowMonotonic int64) ([]record.Record, error)

	// UnreserveRecords clears reservedUntil on ids without touching
	// RetryCount. Used both for the declined-consumer rollback path in
	// Store.Acquire and as the building block for Release.
	UnreserveRecords(ids []string) error

	// IncrementRetry increments RetryCount on ids and clears reservedUntil.
	// Returns, per id, the resulting retry count so Store can decide which
	// ones crossed maxRetryCount and must be deleted instead (spec.md
	// invariant R3 / L3).
	IncrementRetry(ids []string) (map[string]int, error)

	// DeleteRecords removes ids outright (used for complete, for retry
	// exhaustion, and for trim).
	DeleteRecords(ids []string) error

	// SetHeaders overwrites HTTPHeaders on every id present among ids
	// (missing ids are silently skipped), per spec.md §3's "http_headers:
	// ... captured at the time of the last upload attempt". Used by
	// complete/release to persist the diagnostic headers an upload attempt
	// reports before the record is deleted or returned to availability.
	SetHeaders(ids []string, headers []record.Header) error

	// DeleteMatching removes records whose fields match every key/value
	// pair in filter (conjunctive) and returns the count removed.
	DeleteMatching(filter map[string]string) (int, error)

	// RecordCount returns the number of stored records. If minLatency is
	// non-nil, only records with latency >= *minLatency are counted.
	RecordCount(minLatency *record.Latency) (int, error)

	// SizeBytes returns the current size estimate of the backing store.
	SizeBytes() (int64, error)

	// TenantByteUsage returns an estimated byte count per tenant, used by
	// the trim policy to find the heaviest tenants.
	TenantByteUsage() (map[string]int64, error)

	// TenantRecordCount returns how many records belong to tenant, used to
	// size a fair-share trim pass as a percentage of that tenant's records.
	TenantRecordCount(tenant string) (int, error)

	// SelectTrimCandidates returns up to count record ids for tenant (or
	// every tenant if tenant == ""), in reverse selection order (lowest
	// latency, Normal persistence, oldest first), for eviction.
	SelectTrimCandidates(tenant string, count int) ([]string, error)

	// GetSetting/SetSetting implement the cross-restart settings table
	// (spec.md §3, invariant S1).
	GetSetting(name string) (value string, ok bool, err error)
	SetSetting(name, value string) error

	// ClearExpiredReservations clears reservedUntil on every record whose
	// deadline has already passed as of nowMonotonic.
	ClearExpiredReservations(nowMonotonic int64) error

	// ClearAllReservations clears reservedUntil unconditionally, used when
	// Config.HonorReservationsAcrossRestart is false (the default).
	ClearAllReservations() error

	// AllRecords returns every record currently present, regardless of
	// lease state. Store uses it to look up the tenants of records it
	// drops; tests use it to inspect stored state.
	AllRecords() ([]record.Record, error)
}
