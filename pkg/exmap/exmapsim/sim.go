// Package exmapsim provides in-process implementations of [exmap.Driver].
//
// [Sim] follows the kernel module's observable behavior closely enough to run
// the whole client stack without /dev/exmap: region and interface mappings,
// one-shot setup, a physical page budget and per-descriptor outcomes.
// [Chaos] wraps any driver and injects failures.
package exmapsim

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/exmap/pkg/exmap"
)

// Sim is a simulated exmap device.
//
// Behavior:
//   - One region mapping at [exmap.OffRegion]; a second returns EBUSY.
//   - Setup requires the region, runs once (EBUSY afterwards), and rejects
//     max_interfaces <= 0, a zero budget and non-zero flags with EINVAL.
//   - Interface n can be mapped after setup if n < max_interfaces. Mapping
//     the same index twice returns the same memory.
//   - ALLOC makes pages resident until the budget is exhausted; pages that
//     are already resident are skipped. A descriptor that runs out of budget
//     stops with -ENOMEM and reports the pages it did allocate.
//   - FREE zeroes and releases resident pages.
//   - A descriptor whose range leaves the region yields -EFAULT, 0 pages.
//   - READ and WRITE return EOPNOTSUPP.
//
// The overall action result is the number of descriptors with a non-zero
// outcome. Sim is safe for concurrent use.
type Sim struct {
	mu sync.Mutex

	pageSize int
	closed   bool

	region   []byte
	resident []bool
	used     uint64

	setup         bool
	maxInterfaces int
	budget        uint64
	backingFD     int32

	ifaces map[uint16]*simIface

	actions uint64
}

type simIface struct {
	mem  []byte
	refs int
}

var _ exmap.Driver = (*Sim)(nil)

// New returns a simulated device for the given page size
// (0 means [exmap.DefaultPageSize]).
func New(pageSize int) *Sim {
	if pageSize == 0 {
		pageSize = exmap.DefaultPageSize
	}

	return &Sim{
		pageSize:  pageSize,
		backingFD: exmap.NoBackingFD,
		ifaces:    make(map[uint16]*simIface),
	}
}

// Mmap implements [exmap.Driver].
func (s *Sim) Mmap(offset uint64, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, os.NewSyscallError("mmap", unix.EBADF)
	}

	if offset == exmap.OffRegion {
		if s.region != nil {
			return nil, os.NewSyscallError("mmap", unix.EBUSY)
		}

		if length <= 0 || length%s.pageSize != 0 {
			return nil, os.NewSyscallError("mmap", unix.EINVAL)
		}

		s.region = make([]byte, length)
		s.resident = make([]bool, length/s.pageSize)

		return s.region, nil
	}

	index, ok := exmap.InterfaceIndex(offset)
	if !ok || !s.setup || int(index) >= s.maxInterfaces || length != exmap.InterfaceSize {
		return nil, os.NewSyscallError("mmap", unix.EINVAL)
	}

	iface := s.ifaces[index]
	if iface == nil {
		iface = &simIface{mem: make([]byte, exmap.InterfaceSize)}
		s.ifaces[index] = iface
	}

	iface.refs++

	return iface.mem, nil
}

// Munmap implements [exmap.Driver].
func (s *Sim) Munmap(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b) == 0 {
		return os.NewSyscallError("munmap", unix.EINVAL)
	}

	p := unsafe.SliceData(b)

	if s.region != nil && p == unsafe.SliceData(s.region) {
		for i := range s.resident {
			s.resident[i] = false
		}

		s.region = nil
		s.used = 0

		return nil
	}

	for index, iface := range s.ifaces {
		if p != unsafe.SliceData(iface.mem) {
			continue
		}

		iface.refs--
		if iface.refs == 0 {
			delete(s.ifaces, index)
		}

		return nil
	}

	return os.NewSyscallError("munmap", unix.EINVAL)
}

// Setup implements [exmap.Driver].
func (s *Sim) Setup(p exmap.SetupParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return os.NewSyscallError("ioctl", unix.EBADF)
	case s.setup:
		return os.NewSyscallError("ioctl", unix.EBUSY)
	case s.region == nil, p.MaxInterfaces <= 0, p.BufferSize == 0, p.Flags != 0:
		return os.NewSyscallError("ioctl", unix.EINVAL)
	case p.FD < exmap.NoBackingFD:
		return os.NewSyscallError("ioctl", unix.EBADF)
	}

	s.setup = true
	s.maxInterfaces = int(p.MaxInterfaces)
	s.budget = p.BufferSize
	s.backingFD = p.FD

	return nil
}

// Action implements [exmap.Driver].
func (s *Sim) Action(p exmap.ActionParams) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.NewSyscallError("ioctl", unix.EBADF)
	}

	iface := s.ifaces[p.Interface]

	switch {
	case !s.setup, s.region == nil, iface == nil, p.Flags != 0, int(p.IovLen) > exmap.MaxCount:
		return 0, os.NewSyscallError("ioctl", unix.EINVAL)
	case p.Opcode == exmap.OpRead, p.Opcode == exmap.OpWrite:
		return 0, os.NewSyscallError("ioctl", unix.EOPNOTSUPP)
	case p.Opcode != exmap.OpAlloc && p.Opcode != exmap.OpFree:
		return 0, os.NewSyscallError("ioctl", unix.EINVAL)
	}

	s.actions++
	failed := 0

	for i := range int(p.IovLen) {
		slot := iface.mem[i*exmap.SlotSize : (i+1)*exmap.SlotSize]

		var out exmap.Outcome
		if p.Opcode == exmap.OpAlloc {
			out = s.alloc(exmap.DecodeDescriptor(slot))
		} else {
			out = s.free(exmap.DecodeDescriptor(slot))
		}

		if out.Code != 0 {
			failed++
		}

		exmap.EncodeOutcome(slot, out)
	}

	return failed, nil
}

func (s *Sim) inRegion(d exmap.Descriptor) bool {
	pages := uint64(len(s.resident))

	return d.Page < pages && d.Len <= pages-d.Page
}

func (s *Sim) alloc(d exmap.Descriptor) exmap.Outcome {
	if !s.inRegion(d) {
		return exmap.Outcome{Code: -int32(unix.EFAULT)}
	}

	var n uint16

	for page := d.Page; page < d.Page+d.Len; page++ {
		if s.resident[page] {
			continue
		}

		if s.used == s.budget {
			return exmap.Outcome{Code: -int32(unix.ENOMEM), Pages: n}
		}

		s.resident[page] = true
		s.used++
		n++
	}

	return exmap.Outcome{Pages: n}
}

func (s *Sim) free(d exmap.Descriptor) exmap.Outcome {
	if !s.inRegion(d) {
		return exmap.Outcome{Code: -int32(unix.EFAULT)}
	}

	var n uint16

	ps := uint64(s.pageSize)

	for page := d.Page; page < d.Page+d.Len; page++ {
		if !s.resident[page] {
			continue
		}

		clear(s.region[page*ps : (page+1)*ps])
		s.resident[page] = false
		s.used--
		n++
	}

	return exmap.Outcome{Pages: n}
}

// Close implements [exmap.Driver]. Calling Close again returns EBADF.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.NewSyscallError("close", unix.EBADF)
	}

	s.closed = true

	return nil
}

// Resident reports whether page is allocated.
func (s *Sim) Resident(page uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return page < uint64(len(s.resident)) && s.resident[page]
}

// Used returns the number of resident pages.
func (s *Sim) Used() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.used
}

// Actions returns the number of accepted action commands.
func (s *Sim) Actions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.actions
}

// BackingFD returns the backing store descriptor passed to setup.
func (s *Sim) BackingFD() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.backingFD
}
