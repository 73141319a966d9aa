// Package observer defines the callback surface the RecordStore uses to
// notify the outer system about quota events and trim activity (spec.md
// §6, component C6). It is consumed by store.Store and implemented by
// whatever uploader/metrics layer the host process wires in; this module
// ships only the contract plus a no-op implementation for tests.
package observer

// StorageKind identifies which backend a store opened.
type StorageKind uint8

const (
	StorageKindFile StorageKind = iota
	StorageKindInMemory
)

func (k StorageKind) String() string {
	if k == StorageKindInMemory {
		return "in_memory"
	}
	return "file"
}

// DropReason explains why records disappeared outside of a successful
// upload (spec.md §6).
type DropReason uint8

const (
	DropReasonRetriesExhausted DropReason = iota
	DropReasonTrim
	DropReasonPressureEviction
	DropReasonExpired
)

func (r DropReason) String() string {
	switch r {
	case DropReasonRetriesExhausted:
		return "retries_exhausted"
	case DropReasonTrim:
		return "trim"
	case DropReasonPressureEviction:
		return "pressure_eviction"
	case DropReasonExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ErrorKind classifies a storage-level failure reported out of band.
type ErrorKind uint8

const (
	ErrorKindCorrupt ErrorKind = iota
	ErrorKindUnavailable
	ErrorKindFatal
)

// StorageObserver receives out-of-band notifications from a store.Store.
// Implementations must not block for long: callbacks run on the caller's
// goroutine while the store holds its lock, right after the backend
// operation that produced the event.
type StorageObserver interface {
	OnStorageOpened(kind StorageKind)
	OnStorageFull(utilizationPct float64)
	OnRecordsDropped(reason DropReason, count int, byTenant map[string]int)
	OnStorageFailed(kind ErrorKind, details string)
}

// Noop is a StorageObserver that discards every notification. Useful as a
// default and in tests that don't care about observability traffic.
type Noop struct{}

func (Noop) OnStorageOpened(StorageKind)                                {}
func (Noop) OnStorageFull(float64)                                      {}
func (Noop) OnRecordsDropped(DropReason, int, map[string]int)           {}
func (Noop) OnStorageFailed(ErrorKind, string)                          {}
