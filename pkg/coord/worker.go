// Package coord coordinates page residency between workers.
//
// A [Worker] owns one exmap interface and shares the [vmcache.Table] with
// every other worker. Page state changes go through the table first; only
// the worker that holds a page exclusively talks to the driver about it.
//
// Fix brings pages in and leaves them locked, Unfix releases them. Mark and
// Evict form the two-step eviction path: a marked page that is still marked
// when Evict runs is locked, freed in one batch with its neighbours, and
// left Evicted.
package coord

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

// ErrInvalidInput indicates invalid construction arguments.
//
// This is a programming error.
var ErrInvalidInput = errors.New("coord: invalid input")

// Recorder observes the batches a worker issues. Implementations must be
// safe for concurrent use.
type Recorder interface {
	// Batch is called once per completed control command.
	Batch(op exmap.Opcode, descriptors, pages, failed int)

	// Error is called when a control command itself fails.
	Error(op exmap.Opcode)
}

type nopRecorder struct{}

func (nopRecorder) Batch(exmap.Opcode, int, int, int) {}
func (nopRecorder) Error(exmap.Opcode)                {}

// Options configures workers and pools.
type Options struct {
	// Logger receives per-batch debug records. Nil discards.
	Logger logrus.FieldLogger

	// Recorder observes batches. Nil ignores them.
	Recorder Recorder
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}

	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}

	return o
}

// Worker drives one interface. It is not safe for concurrent use; run one
// worker per goroutine.
//
// Pages a worker holds from [Worker.Fix] must be released with
// [Worker.Unfix] before the same worker fixes them again.
type Worker struct {
	table *vmcache.Table
	b     *exmap.Builder
	index uint16
	rec   Recorder
	log   logrus.FieldLogger
}

// NewWorker returns a worker that owns b.
func NewWorker(table *vmcache.Table, b *exmap.Builder, opts Options) (*Worker, error) {
	if table == nil || b == nil {
		return nil, fmt.Errorf("nil table or interface: %w", ErrInvalidInput)
	}

	if b.Len() != 0 {
		return nil, fmt.Errorf("interface has %d pending descriptors: %w", b.Len(), ErrInvalidInput)
	}

	opts = opts.withDefaults()

	return &Worker{
		table: table,
		b:     b,
		index: b.Index(),
		rec:   opts.Recorder,
		log:   opts.Logger.WithField("interface", b.Index()),
	}, nil
}

// Index returns the interface index the worker owns.
func (w *Worker) Index() uint16 { return w.index }

// Fix locks every page exclusively and makes it resident.
//
// Pages are locked in ascending order. Pages that were evicted are
// coalesced into ranges and allocated through the interface. On success
// every page is left Locked and refilled reports how many pages had to be
// allocated.
//
// On error no page stays locked: pages that are resident (before or after
// the refill) are unlocked, the rest are left Evicted. Pages a failed
// descriptor did allocate are freed again. If that free fails too they stay
// resident and count against the budget until a later refill skips them.
func (w *Worker) Fix(ctx context.Context, pages ...uint64) (refilled int, err error) {
	ids := sortedUnique(pages)

	locked := make([]uint64, 0, len(ids))

	var refill []uint64

	for _, id := range ids {
		acquired, err := w.table.Lock(ctx, id)
		if err != nil {
			return 0, errors.Join(err, w.releaseAll(locked, setOf(refill)))
		}

		locked = append(locked, id)

		if acquired == vmcache.NeedsRefill {
			refill = append(refill, id)
		}
	}

	if len(refill) == 0 {
		return 0, nil
	}

	ranges := coalesce(refill)
	ok := make([]bool, len(ranges))

	var (
		failed  []error
		partial []exmap.Descriptor
	)

	err = w.submit(exmap.OpAlloc, ranges, func(i int, o exmap.Outcome) {
		if oerr := o.Err(); oerr != nil {
			d := ranges[i]
			failed = append(failed, fmt.Errorf("refill pages [%d, %d): %w", d.Page, d.Page+d.Len, oerr))

			if o.Pages > 0 {
				partial = append(partial, d)
			}

			return
		}

		ok[i] = true
	})
	if err == nil && len(failed) == 0 {
		w.log.WithFields(logrus.Fields{"pages": len(ids), "refilled": len(refill)}).Debug("fix")

		return len(refill), nil
	}

	missing := make(map[uint64]struct{})

	for i, d := range ranges {
		if ok[i] {
			continue
		}

		for p := d.Page; p < d.Page+d.Len; p++ {
			missing[p] = struct{}{}
		}
	}

	return 0, errors.Join(err, errors.Join(failed...), w.freePartial(partial), w.releaseAll(locked, missing))
}

// freePartial returns the pages a failed refill did allocate to the budget.
// The ranges are still locked, so nobody else can be using them.
func (w *Worker) freePartial(ranges []exmap.Descriptor) error {
	if len(ranges) == 0 {
		return nil
	}

	var errs []error

	err := w.submit(exmap.OpFree, ranges, func(i int, o exmap.Outcome) {
		if oerr := o.Err(); oerr != nil {
			d := ranges[i]
			errs = append(errs, fmt.Errorf("free partial refill [%d, %d): %w", d.Page, d.Page+d.Len, oerr))
		}
	})

	return errors.Join(err, errors.Join(errs...))
}

// releaseAll unlocks every locked page, leaving the ones in evicted Evicted.
func (w *Worker) releaseAll(locked []uint64, evicted map[uint64]struct{}) error {
	var errs []error

	for _, id := range locked {
		var err error
		if _, gone := evicted[id]; gone {
			err = w.table.UnlockEvicted(id)
		} else {
			err = w.table.Unlock(id)
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func setOf(ids []uint64) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}

// Unfix releases pages locked by [Worker.Fix].
func (w *Worker) Unfix(pages ...uint64) error {
	var errs []error

	for _, id := range pages {
		if err := w.table.Unlock(id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Mark queues unlocked pages for eviction with one attempt per page and
// returns how many were marked. Pages in any other state are skipped.
func (w *Worker) Mark(pages ...uint64) (int, error) {
	marked := 0

	for _, id := range pages {
		ok, err := w.table.Mark(id)
		if err != nil {
			return marked, err
		}

		if ok {
			marked++
		}
	}

	return marked, nil
}

// Evict frees the candidates that are still Marked and returns how many
// pages were evicted.
//
// Each candidate gets one lock attempt; pages touched since they were marked
// are skipped. A page whose free fails is unlocked again and stays resident.
func (w *Worker) Evict(ctx context.Context, candidates []uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var locked []uint64

	for _, id := range sortedUnique(candidates) {
		ok, err := w.table.TryLockMarked(id)
		if err != nil {
			return 0, errors.Join(err, w.releaseAll(locked, nil))
		}

		if ok {
			locked = append(locked, id)
		}
	}

	if len(locked) == 0 {
		return 0, nil
	}

	ranges := coalesce(locked)
	freed := make(map[uint64]struct{}, len(locked))

	var failed []error

	err := w.submit(exmap.OpFree, ranges, func(i int, o exmap.Outcome) {
		d := ranges[i]

		if oerr := o.Err(); oerr != nil {
			failed = append(failed, fmt.Errorf("free pages [%d, %d): %w", d.Page, d.Page+d.Len, oerr))

			return
		}

		for p := d.Page; p < d.Page+d.Len; p++ {
			freed[p] = struct{}{}
		}
	})

	rerr := w.releaseAll(locked, freed)

	w.log.WithFields(logrus.Fields{"candidates": len(candidates), "evicted": len(freed)}).Debug("evict")

	return len(freed), errors.Join(err, errors.Join(failed...), rerr)
}

// submit issues ranges in batches of at most [exmap.MaxCount] and reports
// every outcome by range index. Ranges after a failed control command get
// no outcome.
func (w *Worker) submit(op exmap.Opcode, ranges []exmap.Descriptor, each func(i int, o exmap.Outcome)) error {
	for start := 0; start < len(ranges); start += exmap.MaxCount {
		chunk := ranges[start:min(start+exmap.MaxCount, len(ranges))]

		for _, d := range chunk {
			if err := w.b.Push(d.Page, d.Len); err != nil {
				w.b.Reset()

				return err
			}
		}

		var (
			res *exmap.Results
			err error
		)

		if op == exmap.OpFree {
			res, err = w.b.Free()
		} else {
			res, err = w.b.Alloc()
		}

		if err != nil {
			w.rec.Error(op)

			return err
		}

		for i, o := range res.All() {
			each(start+i, o)
		}

		w.rec.Batch(op, len(chunk), res.Pages(), res.Failed())

		w.b, err = res.Reset()
		if err != nil {
			return err
		}
	}

	return nil
}

// Close unmaps the worker's interface.
func (w *Worker) Close() error {
	err := w.b.Unmap()
	if errors.Is(err, exmap.ErrConsumed) {
		return nil
	}

	return err
}
