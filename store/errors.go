package store

import "errors"

// Error kinds named in spec.md §7. These are the only errors this package
// returns across its own boundary; every other failure becomes an observer
// callback or a false/zero return, per spec.md's propagation policy.
var (
	// ErrInvalidArgument signals a caller-side programming error (e.g.
	// mismatched pattern/rate slice lengths upstream in eventfilter, or a
	// malformed filter passed to DeleteMatching). Synchronous and
	// non-recoverable for that call.
	ErrInvalidArgument = errors.New("store: invalid argument")

	// ErrStorageUnavailable means the backing store cannot currently serve
	// requests. The caller must assume the operation failed; the store
	// retries setup on the next call.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrStorageCorrupt marks a failed schema-version or epoch check. Store
	// retries the open once with a fresh Backend (the old file is not
	// renamed or recreated) and, if the check fails again, falls back to an
	// in-memory backend instead of returning this error; it reaches a caller
	// only if that fallback itself cannot be opened.
	ErrStorageCorrupt = errors.New("store: storage corrupt")

	// ErrQuotaRejected is a soft error on Store: the record was rejected by
	// quota policy after a trim attempt.
	ErrQuotaRejected = errors.New("store: quota rejected")
)
