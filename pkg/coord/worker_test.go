package coord_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/exmap/pkg/coord"
	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/exmap/exmapsim"
	"github.com/calvinalkan/exmap/pkg/pagestate"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

const regionSize = 8 << 20

type batch struct {
	op          exmap.Opcode
	descriptors int
	pages       int
	failed      int
}

type fakeRecorder struct {
	mu      sync.Mutex
	batches []batch
	errors  int
}

func (r *fakeRecorder) Batch(op exmap.Opcode, descriptors, pages, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batches = append(r.batches, batch{op, descriptors, pages, failed})
}

func (r *fakeRecorder) Error(exmap.Opcode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors++
}

type env struct {
	sim    *exmapsim.Sim
	dev    *exmap.Device
	region *exmap.Region
	table  *vmcache.Table
	rec    *fakeRecorder
}

func newEnv(t *testing.T, drv exmap.Driver, sim *exmapsim.Sim, budget uint64, interfaces int) *env {
	t.Helper()

	dev, err := exmap.NewDevice(drv, exmap.Options{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	region, err := dev.Create(exmap.RegionConfig{Size: regionSize, MaxInterfaces: interfaces, BufferPages: budget})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	table, err := vmcache.New(int(region.Pages()))
	if err != nil {
		t.Fatalf("vmcache.New: %v", err)
	}

	return &env{sim: sim, dev: dev, region: region, table: table, rec: &fakeRecorder{}}
}

func newWorker(t *testing.T, e *env) *coord.Worker {
	t.Helper()

	b, err := e.dev.MapInterface(0)
	if err != nil {
		t.Fatalf("MapInterface: %v", err)
	}

	w, err := coord.NewWorker(e.table, b, coord.Options{Recorder: e.rec})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func simEnv(t *testing.T, budget uint64) *env {
	t.Helper()

	sim := exmapsim.New(0)

	return newEnv(t, sim, sim, budget, 1)
}

func status(t *testing.T, table *vmcache.Table, id uint64) pagestate.Status {
	t.Helper()

	w, err := table.Load(id)
	if err != nil {
		t.Fatalf("Load(%d): %v", id, err)
	}

	return w.Status()
}

func Test_Fix_Refills_Evicted_Pages_In_One_Coalesced_Batch(t *testing.T) {
	t.Parallel()

	e := simEnv(t, 64)
	w := newWorker(t, e)

	refilled, err := w.Fix(context.Background(), 3, 1, 2, 10, 2)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}

	if refilled != 4 {
		t.Fatalf("refilled = %d, want 4", refilled)
	}

	for _, id := range []uint64{1, 2, 3, 10} {
		if got := status(t, e.table, id); got != pagestate.Locked {
			t.Fatalf("page %d = %v, want locked", id, got)
		}

		if !e.sim.Resident(id) {
			t.Fatalf("page %d not resident", id)
		}
	}

	want := []batch{{exmap.OpAlloc, 2, 4, 0}}
	if len(e.rec.batches) != 1 || e.rec.batches[0] != want[0] {
		t.Fatalf("batches = %+v, want %+v", e.rec.batches, want)
	}

	if err := w.Unfix(1, 2, 3, 10); err != nil {
		t.Fatalf("Unfix: %v", err)
	}

	if got, _ := e.table.Load(2); got != pagestate.New(1, pagestate.Unlocked) {
		t.Fatalf("page 2 after Unfix = %v, want v1/unlocked", got)
	}

	// Resident pages need no driver call.
	refilled, err = w.Fix(context.Background(), 1, 2)
	if err != nil || refilled != 0 {
		t.Fatalf("second Fix = (%d, %v), want (0, nil)", refilled, err)
	}

	if len(e.rec.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(e.rec.batches))
	}

	if err := w.Unfix(1, 2); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
}

func Test_Fix_Releases_Everything_When_Refill_Fails(t *testing.T) {
	t.Parallel()

	e := simEnv(t, 2)
	w := newWorker(t, e)

	refilled, err := w.Fix(context.Background(), 0, 1, 2, 7)
	if !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("Fix: err = %v, want ENOMEM", err)
	}

	if refilled != 0 {
		t.Fatalf("refilled = %d, want 0", refilled)
	}

	for _, id := range []uint64{0, 1, 2} {
		if got := status(t, e.table, id); got != pagestate.Evicted {
			t.Fatalf("page %d = %v, want evicted", id, got)
		}
	}

	// Page 7 was its own descriptor; the budget ran out on the first range,
	// so page 7 failed too.
	if got := status(t, e.table, 7); got != pagestate.Evicted {
		t.Fatalf("page 7 = %v, want evicted", got)
	}

	if got, _ := e.table.Load(0); got.Version() != 1 {
		t.Fatalf("page 0 version = %d, want 1", got.Version())
	}
	// The first range allocated pages 0 and 1 before the budget ran out.
	if got := e.sim.Used(); got != 0 {
		t.Fatalf("Used() = %d, want 0 after the partial refill is freed", got)
	}

	if _, err := w.Fix(context.Background(), 0, 1); err != nil {
		t.Fatalf("Fix within budget after failed refill: %v", err)
	}

	if err := w.Unfix(0, 1); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
}

func Test_Fix_Respects_Context_And_Releases_Acquired_Pages(t *testing.T) {
	t.Parallel()

	e := simEnv(t, 64)
	w := newWorker(t, e)

	// Page 5 is held by someone else.
	if _, ok, err := e.table.TryLock(5); !ok || err != nil {
		t.Fatalf("TryLock(5) = (%v, %v)", ok, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Fix(ctx, 4, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fix: err = %v, want context.Canceled", err)
	}

	// Page 4 was acquired for refill and never allocated.
	if got := status(t, e.table, 4); got != pagestate.Evicted {
		t.Fatalf("page 4 = %v, want evicted after release", got)
	}
}

func Test_Mark_Then_Evict_Frees_Only_Pages_Still_Marked(t *testing.T) {
	t.Parallel()

	e := simEnv(t, 64)
	w := newWorker(t, e)
	ctx := context.Background()

	if _, err := w.Fix(ctx, 0, 1, 2, 3); err != nil {
		t.Fatalf("Fix: %v", err)
	}

	if err := w.Unfix(0, 1, 2, 3); err != nil {
		t.Fatalf("Unfix: %v", err)
	}

	marked, err := w.Mark(0, 1, 2)
	if err != nil || marked != 3 {
		t.Fatalf("Mark = (%d, %v), want (3, nil)", marked, err)
	}

	if marked, _ := w.Mark(0); marked != 0 {
		t.Fatalf("Mark of marked page = %d, want 0", marked)
	}

	// Page 1 is touched again before eviction runs.
	if _, ok, _ := e.table.TryLock(1); !ok {
		t.Fatalf("TryLock(1) failed")
	}

	if err := e.table.Unlock(1); err != nil {
		t.Fatalf("Unlock(1): %v", err)
	}

	evicted, err := w.Evict(ctx, []uint64{2, 0, 1, 3})
	if err != nil {
		t.Fatalf("Evict: %v", err)
	}

	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}

	for id, want := range map[uint64]pagestate.Status{
		0: pagestate.Evicted,
		1: pagestate.Unlocked,
		2: pagestate.Evicted,
		3: pagestate.Unlocked,
	} {
		if got := status(t, e.table, id); got != want {
			t.Fatalf("page %d = %v, want %v", id, got, want)
		}
	}

	if e.sim.Resident(0) || !e.sim.Resident(1) || e.sim.Resident(2) || !e.sim.Resident(3) {
		t.Fatalf("driver residency does not match table")
	}

	last := e.rec.batches[len(e.rec.batches)-1]
	if last != (batch{exmap.OpFree, 2, 2, 0}) {
		t.Fatalf("free batch = %+v", last)
	}
}

func Test_Evict_Unlocks_Pages_When_Free_Command_Fails(t *testing.T) {
	t.Parallel()

	sim := exmapsim.New(0)
	chaos := exmapsim.NewChaos(sim, 5, &exmapsim.ChaosConfig{ActionFailRate: 1})
	chaos.SetMode(exmapsim.ChaosModeNoOp)

	e := newEnv(t, chaos, sim, 64, 1)
	w := newWorker(t, e)
	ctx := context.Background()

	if _, err := w.Fix(ctx, 8, 9); err != nil {
		t.Fatalf("Fix: %v", err)
	}

	if err := w.Unfix(8, 9); err != nil {
		t.Fatalf("Unfix: %v", err)
	}

	if _, err := w.Mark(8, 9); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	chaos.SetMode(exmapsim.ChaosModeActive)

	evicted, err := w.Evict(ctx, []uint64{8, 9})
	if !errors.Is(err, exmap.ErrIO) {
		t.Fatalf("Evict: err = %v, want ErrIO", err)
	}

	if evicted != 0 {
		t.Fatalf("evicted = %d, want 0", evicted)
	}

	for _, id := range []uint64{8, 9} {
		if got := status(t, e.table, id); got != pagestate.Unlocked {
			t.Fatalf("page %d = %v, want unlocked", id, got)
		}
	}

	if e.rec.errors != 1 {
		t.Fatalf("recorded errors = %d, want 1", e.rec.errors)
	}

	// The interface is still usable after the failed command.
	chaos.SetMode(exmapsim.ChaosModeNoOp)

	if _, err := w.Fix(ctx, 20); err != nil {
		t.Fatalf("Fix after failure: %v", err)
	}
}

func Test_Fix_Splits_Batches_Above_MaxCount(t *testing.T) {
	t.Parallel()

	e := simEnv(t, 2048)
	w := newWorker(t, e)

	// Every other page: no two ids coalesce, so 1024 ranges need two batches.
	var ids []uint64
	for id := uint64(0); id < 2048; id += 2 {
		ids = append(ids, id)
	}

	refilled, err := w.Fix(context.Background(), ids...)
	if err != nil {
		t.Fatalf("Fix: %v", err)
	}

	if refilled != 1024 {
		t.Fatalf("refilled = %d, want 1024", refilled)
	}

	want := []batch{{exmap.OpAlloc, exmap.MaxCount, exmap.MaxCount, 0}, {exmap.OpAlloc, exmap.MaxCount, exmap.MaxCount, 0}}
	if len(e.rec.batches) != 2 || e.rec.batches[0] != want[0] || e.rec.batches[1] != want[1] {
		t.Fatalf("batches = %+v, want %+v", e.rec.batches, want)
	}

	if err := w.Unfix(ids...); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
}

func Test_NewWorker_Rejects_Nil_Arguments(t *testing.T) {
	t.Parallel()

	if _, err := coord.NewWorker(nil, nil, coord.Options{}); !errors.Is(err, coord.ErrInvalidInput) {
		t.Fatalf("NewWorker(nil, nil): err = %v, want ErrInvalidInput", err)
	}
}
