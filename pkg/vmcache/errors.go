package vmcache

import "errors"

// Sentinel errors returned by [Table] operations.
var (
	// ErrInvalidInput indicates invalid construction arguments.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("vmcache: invalid input")

	// ErrOutOfRange indicates a page id >= [Table.Len].
	//
	// This is a programming error. Ids are never truncated or wrapped.
	ErrOutOfRange = errors.New("vmcache: page out of range")

	// ErrNotLocked indicates an unlock for a mode the page is not held in.
	//
	// This is a programming error.
	ErrNotLocked = errors.New("vmcache: page not locked")

	// ErrEvicted indicates a shared lock was requested on a page that is not
	// resident.
	//
	// Recovery: acquire the page exclusively (which reports NeedsRefill),
	// refill it, unlock, then retry the shared lock.
	ErrEvicted = errors.New("vmcache: page evicted")

	// ErrContention indicates the retry policy gave up before the page
	// became available.
	//
	// Only returned when the configured backoff stops; the default policy
	// retries until the context is done.
	ErrContention = errors.New("vmcache: contention")
)
