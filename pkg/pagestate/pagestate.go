// Package pagestate implements the 64-bit versioned page state word shared
// by every thread that touches a page slot.
//
// A [Word] packs two fields into one atomically accessed cell:
//
//	bits 0..55   version (monotonically increasing, < 2^56)
//	bits 56..63  status tag
//
// The status tag has five variants: [Unlocked] (0), shared with n readers
// (1..252), [Locked] (253), [Marked] (254) and [Evicted] (255).
//
// All state changes go through [Cell.CompareAndSwap] against a previously
// observed word. There is no unconditional read-modify-write.
package pagestate

import (
	"fmt"
	"sync/atomic"
)

// VersionBits is the width of the version field.
const VersionBits = 56

// MaxVersion is the largest representable version.
const MaxVersion uint64 = 1<<VersionBits - 1

const statusShift = VersionBits

// Status is the 8-bit tag stored in the top byte of a [Word].
//
// Any byte that is not one of the reserved codes ([Unlocked], [Locked],
// [Marked], [Evicted]) is a shared lock whose value is the reader count.
type Status uint8

// Reserved status codes.
const (
	Unlocked Status = 0
	Locked   Status = 253
	Marked   Status = 254
	Evicted  Status = 255

	// MaxShared is the largest reader count a shared status can encode.
	MaxShared Status = 252
)

// Kind classifies a [Status] into one of its five variants.
type Kind uint8

// Status variants.
const (
	KindUnlocked Kind = iota
	KindShared
	KindLocked
	KindMarked
	KindEvicted
)

var kindNames = [...]string{
	KindUnlocked: "unlocked",
	KindShared:   "shared",
	KindLocked:   "locked",
	KindMarked:   "marked",
	KindEvicted:  "evicted",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Shared returns the status for a page held by n readers.
//
// Panics if n is 0 or greater than [MaxShared]; those bytes are reserved
// for the other variants.
func Shared(n uint8) Status {
	if n == 0 || Status(n) > MaxShared {
		panic(fmt.Sprintf("pagestate: shared count %d out of range [1, %d]", n, MaxShared))
	}

	return Status(n)
}

// Kind reports which of the five variants s encodes.
func (s Status) Kind() Kind {
	switch s {
	case Unlocked:
		return KindUnlocked
	case Locked:
		return KindLocked
	case Marked:
		return KindMarked
	case Evicted:
		return KindEvicted
	default:
		return KindShared
	}
}

// SharedCount returns the reader count of a shared status.
// ok is false for every other variant.
func (s Status) SharedCount() (n uint8, ok bool) {
	if s.Kind() != KindShared {
		return 0, false
	}

	return uint8(s), true
}

func (s Status) String() string {
	if n, ok := s.SharedCount(); ok {
		return fmt.Sprintf("shared(%d)", n)
	}

	return s.Kind().String()
}

// Word is a packed (version, status) pair.
//
// The zero value is version 0, [Unlocked].
type Word uint64

// New returns the word for the given version and status.
//
// Panics if version exceeds [MaxVersion].
func New(version uint64, status Status) Word {
	var w Word
	w.SetVersion(version)
	w.SetStatus(status)

	return w
}

// FromUint64 reinterprets a raw 64-bit value as a word. Every value is a
// valid word.
func FromUint64(u uint64) Word { return Word(u) }

// Uint64 returns the raw bits of w.
func (w Word) Uint64() uint64 { return uint64(w) }

// Version returns the version field.
func (w Word) Version() uint64 { return uint64(w) & MaxVersion }

// Status returns the status tag.
func (w Word) Status() Status { return Status(uint64(w) >> statusShift) }

// SetVersion replaces the version field and keeps the status.
//
// Panics if v exceeds [MaxVersion]. A version outside the 56-bit domain is
// a programming error, never a recoverable condition.
func (w *Word) SetVersion(v uint64) {
	if v > MaxVersion {
		panic(fmt.Sprintf("pagestate: version %d exceeds %d", v, MaxVersion))
	}

	*w = Word(uint64(*w)&^MaxVersion | v)
}

// SetStatus replaces the status tag and keeps the version.
func (w *Word) SetStatus(s Status) {
	*w = Word(uint64(*w)&MaxVersion | uint64(s)<<statusShift)
}

// With returns a copy of w carrying status s and the same version.
func (w Word) With(s Status) Word {
	w.SetStatus(s)

	return w
}

// Bumped returns a copy of w with the version incremented and status s.
//
// Panics if the version is already [MaxVersion].
func (w Word) Bumped(s Status) Word {
	w.SetVersion(w.Version() + 1)
	w.SetStatus(s)

	return w
}

func (w Word) String() string {
	return fmt.Sprintf("v%d/%s", w.Version(), w.Status())
}

// Cell is an atomically accessed [Word].
//
// The zero value holds version 0, [Unlocked]. A Cell must not be copied
// after first use.
type Cell struct {
	v atomic.Uint64
}

// Load atomically reads the current word.
func (c *Cell) Load() Word { return Word(c.v.Load()) }

// Init stores w unconditionally. It exists only for initialization before
// the cell is shared; transitions must use [Cell.CompareAndSwap].
func (c *Cell) Init(w Word) { c.v.Store(uint64(w)) }

// CompareAndSwap stores next only if the cell still holds observed.
func (c *Cell) CompareAndSwap(observed, next Word) bool {
	return c.v.CompareAndSwap(uint64(observed), uint64(next))
}
