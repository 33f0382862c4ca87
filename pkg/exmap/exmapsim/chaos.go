package exmapsim

import (
	"errors"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/exmap/pkg/exmap"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// MmapFailRate controls how often Mmap fails with ENOMEM or EAGAIN
	// before reaching the wrapped driver.
	MmapFailRate float64

	// SetupFailRate controls how often Setup fails with EIO or ENOMEM.
	SetupFailRate float64

	// ActionFailRate controls how often Action fails as a whole with EIO,
	// EINTR or ENOMEM. The batch does not reach the wrapped driver.
	ActionFailRate float64

	// OutcomeFailRate controls how often a single descriptor of a
	// successful Action is rewritten to -ENOMEM with 0 pages after the
	// wrapped driver ran. The overall result is adjusted to match.
	OutcomeFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every call directly to the wrapped driver.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	MmapFails    int64
	SetupFails   int64
	ActionFails  int64
	OutcomeFails int64
}

// chaosError marks an error as intentionally injected by [Chaos].
// It wraps the underlying error so errors.Is/As continue to work.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [exmap.Driver] and injects random failures for testing.
//
// Injected errors are [*os.SyscallError] values carrying a real
// [unix.Errno], marked so tests can tell them apart with [IsChaosErr].
// Munmap and Close are never failed: a leaked mapping would only hide the
// behavior under test.
type Chaos struct {
	drv    exmap.Driver
	config ChaosConfig
	mode   atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand

	mmapFails    atomic.Int64
	setupFails   atomic.Int64
	actionFails  atomic.Int64
	outcomeFails atomic.Int64

	// Action needs the interface memory to rewrite outcomes.
	ifaceMu sync.Mutex
	ifaces  map[uint16][]byte
}

var _ exmap.Driver = (*Chaos)(nil)

// NewChaos wraps drv. The seed makes injection reproducible.
// Panics if drv is nil.
func NewChaos(drv exmap.Driver, seed int64, config *ChaosConfig) *Chaos {
	if drv == nil {
		panic("underlying driver is nil")
	}

	return &Chaos{
		drv:    drv,
		config: *config,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		ifaces: make(map[uint16][]byte),
	}
}

// SetMode updates [Chaos] behavior. Safe to call concurrently.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		MmapFails:    c.mmapFails.Load(),
		SetupFails:   c.setupFails.Load(),
		ActionFails:  c.actionFails.Load(),
		OutcomeFails: c.outcomeFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.MmapFails + s.SetupFails + s.ActionFails + s.OutcomeFails
}

func (c *Chaos) Mmap(offset uint64, length int) ([]byte, error) {
	if c.should(c.config.MmapFailRate) {
		c.mmapFails.Add(1)

		return nil, c.inject("mmap", unix.ENOMEM, unix.EAGAIN)
	}

	b, err := c.drv.Mmap(offset, length)
	if err != nil {
		return nil, err
	}

	if index, ok := exmap.InterfaceIndex(offset); ok {
		c.ifaceMu.Lock()
		c.ifaces[index] = b
		c.ifaceMu.Unlock()
	}

	return b, nil
}

func (c *Chaos) Munmap(b []byte) error {
	c.ifaceMu.Lock()
	for index, mem := range c.ifaces {
		if len(mem) > 0 && len(b) > 0 && &mem[0] == &b[0] {
			delete(c.ifaces, index)
		}
	}
	c.ifaceMu.Unlock()

	return c.drv.Munmap(b)
}

func (c *Chaos) Setup(p exmap.SetupParams) error {
	if c.should(c.config.SetupFailRate) {
		c.setupFails.Add(1)

		return c.inject("ioctl", unix.EIO, unix.ENOMEM)
	}

	return c.drv.Setup(p)
}

func (c *Chaos) Action(p exmap.ActionParams) (int, error) {
	if c.should(c.config.ActionFailRate) {
		c.actionFails.Add(1)

		return 0, c.inject("ioctl", unix.EIO, unix.EINTR, unix.ENOMEM)
	}

	failed, err := c.drv.Action(p)
	if err != nil || c.config.OutcomeFailRate == 0 {
		return failed, err
	}

	c.ifaceMu.Lock()
	mem := c.ifaces[p.Interface]
	c.ifaceMu.Unlock()

	if mem == nil {
		return failed, nil
	}

	for i := range int(p.IovLen) {
		slot := mem[i*exmap.SlotSize : (i+1)*exmap.SlotSize]

		out := exmap.DecodeOutcome(slot)
		if out.Code != 0 || !c.should(c.config.OutcomeFailRate) {
			continue
		}

		// The pages stay allocated in the wrapped driver; callers see a
		// failure and must treat the range as not resident.
		c.outcomeFails.Add(1)
		exmap.EncodeOutcome(slot, exmap.Outcome{Code: -int32(unix.ENOMEM)})

		failed++
	}

	return failed, nil
}

func (c *Chaos) Close() error {
	return c.drv.Close()
}

func (c *Chaos) should(rate float64) bool {
	if ChaosMode(c.mode.Load()) == ChaosModeNoOp || rate <= 0 {
		return false
	}

	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	return c.rng.Float64() < rate
}

func (c *Chaos) inject(op string, errnos ...unix.Errno) error {
	c.rngMu.Lock()
	errno := errnos[c.rng.IntN(len(errnos))]
	c.rngMu.Unlock()

	return &chaosError{Err: os.NewSyscallError(op, errno)}
}
