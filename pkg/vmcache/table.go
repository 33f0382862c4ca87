// Package vmcache provides the page table that coordinates concurrent access
// to page slots of an exmap region.
//
// Every slot holds a [pagestate.Word]. Workers change it only with
// compare-and-swap against the word they observed, so the table needs no
// external lock and may be shared by all workers.
//
// Transitions:
//
//	Lock          Unlocked|Marked -> Locked   (Resident)
//	              Evicted         -> Locked   (NeedsRefill)
//	Unlock        Locked          -> Unlocked (version+1)
//	UnlockEvicted Locked          -> Evicted  (version+1)
//	LockShared    Unlocked|Marked|Shared(n) -> Shared(n+1)
//	UnlockShared  Shared(n)       -> Shared(n-1) | Unlocked
//	Mark          Unlocked        -> Marked
//	TryLockMarked Marked          -> Locked
//
// Any other observed status belongs to another worker; blocking
// transitions wait according to the table's [RetryPolicy].
package vmcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/calvinalkan/exmap/pkg/pagestate"
)

// Acquired reports what an exclusive lock found.
type Acquired uint8

const (
	// Resident means the page was present; its contents may be used.
	Resident Acquired = iota

	// NeedsRefill means the page was evicted. The caller owns the lock and
	// must allocate the page through the batched request path before use,
	// or release it with [Table.UnlockEvicted].
	NeedsRefill
)

func (a Acquired) String() string {
	if a == NeedsRefill {
		return "needs-refill"
	}

	return "resident"
}

// Table is a fixed-size array of page state words indexed by page slot id.
//
// Every slot starts as (version 0, Evicted). The table is never resized.
// All methods are safe for concurrent use.
type Table struct {
	_ [0]func() // prevent external construction

	cells   []pagestate.Cell
	policy  RetryPolicy
	retries atomic.Uint64
}

// Option configures a [Table].
type Option func(*Table)

// WithRetryPolicy replaces [DefaultRetryPolicy].
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Table) { t.policy = p }
}

// New creates a table with slots entries, all (0, Evicted).
//
// Returns [ErrInvalidInput] if slots < 1.
func New(slots int, opts ...Option) (*Table, error) {
	if slots < 1 {
		return nil, fmt.Errorf("slots %d < 1: %w", slots, ErrInvalidInput)
	}

	t := &Table{
		cells:  make([]pagestate.Cell, slots),
		policy: DefaultRetryPolicy(),
	}

	for _, opt := range opts {
		opt(t)
	}

	evicted := pagestate.New(0, pagestate.Evicted)
	for i := range t.cells {
		t.cells[i].Init(evicted)
	}

	return t, nil
}

// Len returns the number of slots.
func (t *Table) Len() int { return len(t.cells) }

// Retries returns how many times a transition had to wait, summed over
// the lifetime of the table.
func (t *Table) Retries() uint64 { return t.retries.Load() }

func (t *Table) cell(id uint64) (*pagestate.Cell, error) {
	if id >= uint64(len(t.cells)) {
		return nil, fmt.Errorf("page %d >= %d: %w", id, len(t.cells), ErrOutOfRange)
	}

	return &t.cells[id], nil
}

func (t *Table) waiter(ctx context.Context) waiter {
	return waiter{
		ctx:    ctx,
		policy: t.policy,
		count:  func() { t.retries.Add(1) },
	}
}

// Load returns the current word of a page.
func (t *Table) Load(id uint64) (pagestate.Word, error) {
	c, err := t.cell(id)
	if err != nil {
		return 0, err
	}

	return c.Load(), nil
}

// TryLock makes one attempt at an exclusive lock.
//
// ok is false if the page is held by another worker or the word changed
// between observation and swap.
func (t *Table) TryLock(id uint64) (acquired Acquired, ok bool, err error) {
	c, err := t.cell(id)
	if err != nil {
		return Resident, false, err
	}

	acquired, ok = tryLock(c)

	return acquired, ok, nil
}

func tryLock(c *pagestate.Cell) (Acquired, bool) {
	w := c.Load()

	switch w.Status().Kind() {
	case pagestate.KindUnlocked, pagestate.KindMarked:
		return Resident, c.CompareAndSwap(w, w.With(pagestate.Locked))
	case pagestate.KindEvicted:
		return NeedsRefill, c.CompareAndSwap(w, w.With(pagestate.Locked))
	default:
		return Resident, false
	}
}

// Lock acquires a page exclusively, waiting while another worker holds it.
//
// Returns [NeedsRefill] if the page was evicted. Returns ctx.Err() if the
// context is done first, or [ErrContention] if the retry policy stops.
func (t *Table) Lock(ctx context.Context, id uint64) (Acquired, error) {
	c, err := t.cell(id)
	if err != nil {
		return Resident, err
	}

	w := t.waiter(ctx)

	for {
		if acquired, ok := tryLock(c); ok {
			return acquired, nil
		}

		if err := w.wait(); err != nil {
			return Resident, fmt.Errorf("lock page %d: %w", id, err)
		}
	}
}

// Unlock releases an exclusive lock and bumps the version.
//
// Returns [ErrNotLocked] if the page is not exclusively locked.
func (t *Table) Unlock(id uint64) error {
	return t.release(id, pagestate.Unlocked)
}

// UnlockEvicted releases an exclusive lock, leaving the page Evicted, and
// bumps the version. Used after a page was freed or a refill failed.
//
// Returns [ErrNotLocked] if the page is not exclusively locked.
func (t *Table) UnlockEvicted(id uint64) error {
	return t.release(id, pagestate.Evicted)
}

func (t *Table) release(id uint64, to pagestate.Status) error {
	c, err := t.cell(id)
	if err != nil {
		return err
	}

	for {
		w := c.Load()
		if w.Status() != pagestate.Locked {
			return fmt.Errorf("page %d is %v: %w", id, w.Status(), ErrNotLocked)
		}

		if c.CompareAndSwap(w, w.Bumped(to)) {
			return nil
		}
	}
}

// LockShared acquires a shared lock, waiting while the page is exclusively
// locked or the reader count is saturated.
//
// Returns [ErrEvicted] if the page is not resident.
func (t *Table) LockShared(ctx context.Context, id uint64) error {
	c, err := t.cell(id)
	if err != nil {
		return err
	}

	w := t.waiter(ctx)

	for {
		cur := c.Load()
		status := cur.Status()

		switch status.Kind() {
		case pagestate.KindEvicted:
			return fmt.Errorf("lock shared page %d: %w", id, ErrEvicted)
		case pagestate.KindUnlocked, pagestate.KindMarked:
			if c.CompareAndSwap(cur, cur.With(pagestate.Shared(1))) {
				return nil
			}
		case pagestate.KindShared:
			if n, _ := status.SharedCount(); n < uint8(pagestate.MaxShared) {
				if c.CompareAndSwap(cur, cur.With(pagestate.Shared(n+1))) {
					return nil
				}
			}
		}

		if err := w.wait(); err != nil {
			return fmt.Errorf("lock shared page %d: %w", id, err)
		}
	}
}

// UnlockShared drops one reader. The last reader leaves the page Unlocked
// with the version unchanged.
//
// Returns [ErrNotLocked] if the page is not shared-locked.
func (t *Table) UnlockShared(id uint64) error {
	c, err := t.cell(id)
	if err != nil {
		return err
	}

	for {
		cur := c.Load()

		n, ok := cur.Status().SharedCount()
		if !ok {
			return fmt.Errorf("page %d is %v: %w", id, cur.Status(), ErrNotLocked)
		}

		next := pagestate.Unlocked
		if n > 1 {
			next = pagestate.Shared(n - 1)
		}

		if c.CompareAndSwap(cur, cur.With(next)) {
			return nil
		}
	}
}

// Mark queues an unlocked page for eviction. One attempt; ok is false if
// the page was not Unlocked or changed concurrently.
func (t *Table) Mark(id uint64) (bool, error) {
	c, err := t.cell(id)
	if err != nil {
		return false, err
	}

	cur := c.Load()
	if cur.Status() != pagestate.Unlocked {
		return false, nil
	}

	return c.CompareAndSwap(cur, cur.With(pagestate.Marked)), nil
}

// TryLockMarked takes the exclusive lock of a marked page for eviction.
// One attempt; ok is false if the page is no longer Marked.
func (t *Table) TryLockMarked(id uint64) (bool, error) {
	c, err := t.cell(id)
	if err != nil {
		return false, err
	}

	cur := c.Load()
	if cur.Status() != pagestate.Marked {
		return false, nil
	}

	return c.CompareAndSwap(cur, cur.With(pagestate.Locked)), nil
}

// Validate reports whether an optimistic read that started at observed is
// still consistent: the version is unchanged and nobody holds the page
// exclusively.
func (t *Table) Validate(id uint64, observed pagestate.Word) (bool, error) {
	c, err := t.cell(id)
	if err != nil {
		return false, err
	}

	cur := c.Load()

	return cur.Version() == observed.Version() && cur.Status() != pagestate.Locked, nil
}
