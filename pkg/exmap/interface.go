package exmap

import (
	"fmt"
	"iter"
)

// mapping is the memory of one interface, shared by the handle that
// currently owns it.
type mapping struct {
	dev   *Device
	index uint16
	mem   []byte // InterfaceSize bytes; MaxCount slots
}

func (m *mapping) slot(i int) []byte {
	return m.mem[i*SlotSize : (i+1)*SlotSize : (i+1)*SlotSize]
}

func (m *mapping) unmap() error {
	return m.dev.unmap(m.mem, fmt.Sprintf("interface %d", m.index))
}

// Builder is an interface in the building state: the slots hold request
// descriptors.
//
// [Builder.Alloc] and [Builder.Free] consume the builder and return the same
// memory as [Results]. The builder can then no longer be used; every method
// returns [ErrConsumed] or yields nothing. [Results.Reset] is the only way
// back.
//
// An interface belongs to one worker and is not safe for concurrent use.
type Builder struct {
	_ [0]func() // prevent external construction

	m *mapping // nil once consumed
	n int
}

// Index returns the interface index.
func (b *Builder) Index() uint16 {
	if b.m == nil {
		return 0
	}

	return b.m.index
}

// Len returns the number of pushed descriptors.
func (b *Builder) Len() int { return b.n }

// Push appends a descriptor.
//
// Returns [ErrCapacity] if the batch already holds [MaxCount] descriptors and
// [ErrInvalidInput] if page or length do not fit a slot. The batch is
// unchanged on error.
func (b *Builder) Push(page, length uint64) error {
	if b.m == nil {
		return ErrConsumed
	}

	if b.n == MaxCount {
		return fmt.Errorf("push (%d, %d): %w", page, length, ErrCapacity)
	}

	d := Descriptor{Page: page, Len: length}
	if err := checkDescriptor(d); err != nil {
		return err
	}

	EncodeDescriptor(b.m.slot(b.n), d)
	b.n++

	return nil
}

// Set overwrites descriptor i.
func (b *Builder) Set(i int, d Descriptor) error {
	if b.m == nil {
		return ErrConsumed
	}

	if i < 0 || i >= b.n {
		return fmt.Errorf("descriptor %d of %d: %w", i, b.n, ErrOutOfBounds)
	}

	if err := checkDescriptor(d); err != nil {
		return err
	}

	EncodeDescriptor(b.m.slot(i), d)

	return nil
}

// At returns descriptor i.
func (b *Builder) At(i int) (Descriptor, error) {
	if b.m == nil {
		return Descriptor{}, ErrConsumed
	}

	if i < 0 || i >= b.n {
		return Descriptor{}, fmt.Errorf("descriptor %d of %d: %w", i, b.n, ErrOutOfBounds)
	}

	return DecodeDescriptor(b.m.slot(i)), nil
}

// All yields the pushed descriptors in order.
func (b *Builder) All() iter.Seq2[int, Descriptor] {
	return func(yield func(int, Descriptor) bool) {
		for i := 0; b.m != nil && i < b.n; i++ {
			if !yield(i, DecodeDescriptor(b.m.slot(i))) {
				return
			}
		}
	}
}

// Reset drops every pushed descriptor.
func (b *Builder) Reset() {
	b.n = 0
}

// Alloc asks the driver to make the pushed ranges resident.
//
// On success the builder is consumed. On driver failure the error wraps
// [ErrIO], the builder stays usable but is emptied: the driver may have
// overwritten any slot, so the batch must be pushed again.
func (b *Builder) Alloc() (*Results, error) {
	return b.issue(OpAlloc)
}

// Free asks the driver to release the pushed ranges. Same contract as
// [Builder.Alloc].
func (b *Builder) Free() (*Results, error) {
	return b.issue(OpFree)
}

func (b *Builder) issue(op Opcode) (*Results, error) {
	if b.m == nil {
		return nil, ErrConsumed
	}

	n := b.n

	failed, err := b.m.dev.drv.Action(ActionParams{
		Interface: b.m.index,
		IovLen:    uint16(n),
		Opcode:    op,
	})
	if err != nil {
		b.n = 0

		return nil, fmt.Errorf("%w: %v on interface %d (%d descriptors): %w", ErrIO, op, b.m.index, n, err)
	}

	r := &Results{m: b.m, n: n, op: op, failed: failed}
	b.m = nil
	b.n = 0

	return r, nil
}

// Unmap releases the interface mapping and consumes the builder.
func (b *Builder) Unmap() error {
	if b.m == nil {
		return ErrConsumed
	}

	err := b.m.unmap()
	if err != nil {
		return err
	}

	b.m = nil
	b.n = 0

	return nil
}

// Results is an interface in the result state: slot i holds the outcome of
// request descriptor i from the submission that produced it.
type Results struct {
	_ [0]func() // prevent external construction

	m      *mapping // nil once consumed
	n      int
	op     Opcode
	failed int
}

// Index returns the interface index.
func (r *Results) Index() uint16 {
	if r.m == nil {
		return 0
	}

	return r.m.index
}

// Op returns the opcode that produced these results.
func (r *Results) Op() Opcode { return r.op }

// Len returns the number of outcomes, equal to the number of submitted
// descriptors.
func (r *Results) Len() int { return r.n }

// Failed returns the driver's overall result: the number of descriptors
// that did not complete.
func (r *Results) Failed() int { return r.failed }

// At returns outcome i.
func (r *Results) At(i int) (Outcome, error) {
	if r.m == nil {
		return Outcome{}, ErrConsumed
	}

	if i < 0 || i >= r.n {
		return Outcome{}, fmt.Errorf("outcome %d of %d: %w", i, r.n, ErrOutOfBounds)
	}

	return DecodeOutcome(r.m.slot(i)), nil
}

// All yields the outcomes in submission order.
func (r *Results) All() iter.Seq2[int, Outcome] {
	return func(yield func(int, Outcome) bool) {
		for i := 0; r.m != nil && i < r.n; i++ {
			if !yield(i, DecodeOutcome(r.m.slot(i))) {
				return
			}
		}
	}
}

// Pages returns the sum of affected pages over all outcomes.
func (r *Results) Pages() int {
	total := 0
	for _, o := range r.All() {
		total += int(o.Pages)
	}

	return total
}

// Err returns nil if every outcome succeeded, otherwise an error naming the
// first failed descriptor and wrapping its errno.
func (r *Results) Err() error {
	for i, o := range r.All() {
		if err := o.Err(); err != nil {
			return fmt.Errorf("%v descriptor %d: %w", r.op, i, err)
		}
	}

	return nil
}

// Reset converts the results back into an empty [Builder] and consumes r.
func (r *Results) Reset() (*Builder, error) {
	if r.m == nil {
		return nil, ErrConsumed
	}

	b := &Builder{m: r.m}
	r.m = nil

	return b, nil
}

// Unmap releases the interface mapping and consumes the results.
func (r *Results) Unmap() error {
	if r.m == nil {
		return ErrConsumed
	}

	err := r.m.unmap()
	if err != nil {
		return err
	}

	r.m = nil

	return nil
}

func checkDescriptor(d Descriptor) error {
	if d.Page > MaxDescriptorPage || d.Len > MaxDescriptorLen {
		return fmt.Errorf("descriptor (%d, %d) exceeds slot limits (%d, %d): %w",
			d.Page, d.Len, MaxDescriptorPage, MaxDescriptorLen, ErrInvalidInput)
	}

	return nil
}
