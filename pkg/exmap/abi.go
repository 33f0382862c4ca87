package exmap

import (
	"encoding/binary"
	"strconv"
	"unsafe"
)

// Device ABI constants. These mirror the exmap kernel header and must stay
// bit-exact.
const (
	// DevicePath is the control device node.
	DevicePath = "/dev/exmap"

	// DefaultPageSize is the page size the kernel module is built for.
	DefaultPageSize = 4096

	// MaxCount is the number of descriptor slots in one interface
	// (EXMAP_USER_INTERFACE_PAGES).
	MaxCount = 512

	// SlotSize is the size of one descriptor slot in bytes.
	SlotSize = 8

	// InterfaceSize is the size of one interface mapping.
	InterfaceSize = MaxCount * SlotSize

	// PageLenBits is the width of the length field of a request slot
	// (EXMAP_PAGE_LEN_BITS).
	PageLenBits = 12

	// MaxDescriptorPage is the largest page id a request slot can encode.
	MaxDescriptorPage uint64 = 1<<(64-PageLenBits) - 1

	// MaxDescriptorLen is the largest length a request slot can encode.
	MaxDescriptorLen uint64 = 1<<PageLenBits - 1

	// OffRegion is the mmap offset of the virtual memory region.
	OffRegion uint64 = 0

	// OffInterfaceBase is the mmap offset of interface 0.
	OffInterfaceBase uint64 = 0xe000000000000000

	// NoBackingFD is passed in [SetupParams.FD] when there is no backing store.
	NoBackingFD int32 = -1
)

// Opcode selects the action performed on a batch of descriptors.
type Opcode uint16

// Action opcodes (enum exmap_opcode).
const (
	OpRead  Opcode = 0
	OpAlloc Opcode = 1
	OpFree  Opcode = 2
	OpWrite Opcode = 3
)

func (o Opcode) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpAlloc:
		return "alloc"
	case OpFree:
		return "free"
	case OpWrite:
		return "write"
	default:
		return "opcode(" + strconv.Itoa(int(o)) + ")"
	}
}

// InterfaceOffset returns the mmap offset of interface n.
func InterfaceOffset(n uint16) uint64 {
	return OffInterfaceBase | uint64(n)<<12
}

// InterfaceIndex is the inverse of [InterfaceOffset]. ok is false if offset
// does not address an interface.
func InterfaceIndex(offset uint64) (n uint16, ok bool) {
	if offset&OffInterfaceBase != OffInterfaceBase {
		return 0, false
	}

	rel := offset &^ OffInterfaceBase
	if rel&(1<<12-1) != 0 || rel>>12 > 0xFFFF {
		return 0, false
	}

	return uint16(rel >> 12), true
}

// SetupParams is the payload of the setup control command
// (struct exmap_ioctl_setup).
type SetupParams struct {
	// FD is the backing store file descriptor or [NoBackingFD].
	FD int32
	// MaxInterfaces is the number of interfaces the device will serve.
	MaxInterfaces int32
	// BufferSize is the physical page budget.
	BufferSize uint64
	// Flags is reserved and must be 0.
	Flags uint64
}

// ActionParams is the payload of the action control command
// (struct exmap_action_params).
type ActionParams struct {
	Interface uint16
	IovLen    uint16
	Opcode    Opcode
	_         uint16
	// Flags is reserved and must be 0.
	Flags uint64
}

// Control command numbers: _IOC(_IOC_WRITE, 'k', nr, sizeof(params)).
const (
	iocWrite     = 1
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	IoctlSetup  = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(SetupParams{}))<<iocSizeShift | 'k'<<iocTypeShift | 1<<iocNRShift
	IoctlAction = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(ActionParams{}))<<iocSizeShift | 'k'<<iocTypeShift | 2<<iocNRShift
)

// Descriptor is one (page, length) range of a request batch.
type Descriptor struct {
	Page uint64
	Len  uint64
}

// Outcome is the per-descriptor result written by the driver.
type Outcome struct {
	// Code is 0 on success or a negative errno.
	Code int32
	// Pages is the number of pages the descriptor affected.
	Pages uint16
}

// Err returns nil for a successful outcome and the errno otherwise.
func (o Outcome) Err() error {
	if o.Code >= 0 {
		return nil
	}

	return errnoErr(-o.Code)
}

// EncodeDescriptor packs d into a request slot. The page occupies bits
// 0..51 and the length bits 52..63.
//
// The caller must have validated d against [MaxDescriptorPage] and
// [MaxDescriptorLen].
func EncodeDescriptor(slot []byte, d Descriptor) {
	binary.NativeEndian.PutUint64(slot[:SlotSize], d.Page&MaxDescriptorPage|d.Len<<(64-PageLenBits))
}

// DecodeDescriptor unpacks a request slot.
func DecodeDescriptor(slot []byte) Descriptor {
	v := binary.NativeEndian.Uint64(slot[:SlotSize])

	return Descriptor{Page: v & MaxDescriptorPage, Len: v >> (64 - PageLenBits)}
}

// EncodeOutcome writes a result slot: res at bytes 0..3, pages at 4..5,
// remaining bytes zero.
func EncodeOutcome(slot []byte, o Outcome) {
	_ = slot[SlotSize-1]

	binary.NativeEndian.PutUint32(slot[0:4], uint32(o.Code))
	binary.NativeEndian.PutUint16(slot[4:6], o.Pages)
	slot[6] = 0
	slot[7] = 0
}

// DecodeOutcome reads a result slot.
func DecodeOutcome(slot []byte) Outcome {
	_ = slot[SlotSize-1]

	return Outcome{
		Code:  int32(binary.NativeEndian.Uint32(slot[0:4])),
		Pages: binary.NativeEndian.Uint16(slot[4:6]),
	}
}
