package coord

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

// Pool runs one [Worker] per interface index over a shared page table.
type Pool struct {
	table   *vmcache.Table
	workers []*Worker
}

// NewPool maps interfaces 0..threads-1 on dev and creates a worker for each.
//
// The table must not have more slots than the region has pages. If any
// interface fails to map, the ones already mapped are released.
func NewPool(dev *exmap.Device, region *exmap.Region, table *vmcache.Table, threads int, opts Options) (*Pool, error) {
	if dev == nil || region == nil || table == nil {
		return nil, fmt.Errorf("nil device, region or table: %w", ErrInvalidInput)
	}

	if threads < 1 || threads > 1<<16 {
		return nil, fmt.Errorf("threads %d out of [1, 65536]: %w", threads, ErrInvalidInput)
	}

	if uint64(table.Len()) > region.Pages() {
		return nil, fmt.Errorf("table has %d slots, region %d pages: %w", table.Len(), region.Pages(), ErrInvalidInput)
	}

	p := &Pool{table: table}

	for i := range threads {
		b, err := dev.MapInterface(uint16(i))
		if err != nil {
			return nil, errors.Join(err, p.Close())
		}

		w, err := NewWorker(table, b, opts)
		if err != nil {
			return nil, errors.Join(err, b.Unmap(), p.Close())
		}

		p.workers = append(p.workers, w)
	}

	return p, nil
}

// Table returns the shared page table.
func (p *Pool) Table() *vmcache.Table { return p.table }

// Workers returns the workers, ordered by interface index.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run calls fn once per worker, each in its own goroutine, and waits for
// all of them. The context passed to fn is canceled as soon as one call
// fails; Run returns the first error.
//
// Run must not be called concurrently with itself or [Pool.Close].
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range p.workers {
		g.Go(func() error {
			return fn(gctx, w)
		})
	}

	return g.Wait()
}

// Close unmaps every worker's interface.
func (p *Pool) Close() error {
	var errs []error

	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.workers = nil

	return errors.Join(errs...)
}
