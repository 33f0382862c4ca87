package exmap_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/exmap/pkg/exmap"
)

func Test_Payload_Structs_Match_Kernel_Layout(t *testing.T) {
	t.Parallel()

	if got := unsafe.Sizeof(exmap.SetupParams{}); got != 24 {
		t.Fatalf("sizeof(SetupParams) = %d, want 24", got)
	}

	if got := unsafe.Sizeof(exmap.ActionParams{}); got != 16 {
		t.Fatalf("sizeof(ActionParams) = %d, want 16", got)
	}

	var a exmap.ActionParams
	if got := unsafe.Offsetof(a.Opcode); got != 4 {
		t.Fatalf("offsetof(opcode) = %d, want 4", got)
	}

	if got := unsafe.Offsetof(a.Flags); got != 8 {
		t.Fatalf("offsetof(flags) = %d, want 8", got)
	}
}

func Test_Ioctl_Numbers_Match_IOW_Encoding(t *testing.T) {
	t.Parallel()

	if exmap.IoctlSetup != 0x40186b01 {
		t.Fatalf("IoctlSetup = %#x, want 0x40186b01", exmap.IoctlSetup)
	}

	if exmap.IoctlAction != 0x40106b02 {
		t.Fatalf("IoctlAction = %#x, want 0x40106b02", exmap.IoctlAction)
	}
}

func Test_Interface_Fits_One_Page(t *testing.T) {
	t.Parallel()

	if exmap.InterfaceSize != exmap.DefaultPageSize {
		t.Fatalf("InterfaceSize = %d, want %d", exmap.InterfaceSize, exmap.DefaultPageSize)
	}
}

func Test_InterfaceOffset_Sets_Base_And_Shifts_Index(t *testing.T) {
	t.Parallel()

	cases := []struct {
		index uint16
		want  uint64
	}{
		{0, 0xe000000000000000},
		{1, 0xe000000000001000},
		{7, 0xe000000000007000},
		{0xFFFF, 0xe00000000ffff000},
	}

	for _, tc := range cases {
		got := exmap.InterfaceOffset(tc.index)
		if got != tc.want {
			t.Fatalf("InterfaceOffset(%d) = %#x, want %#x", tc.index, got, tc.want)
		}

		back, ok := exmap.InterfaceIndex(got)
		if !ok || back != tc.index {
			t.Fatalf("InterfaceIndex(%#x) = (%d, %v), want (%d, true)", got, back, ok, tc.index)
		}
	}
}

func Test_InterfaceIndex_Rejects_Non_Interface_Offsets(t *testing.T) {
	t.Parallel()

	for _, off := range []uint64{
		exmap.OffRegion,
		4096,
		0xe000000000000800,
		0xe000000100000000,
	} {
		if _, ok := exmap.InterfaceIndex(off); ok {
			t.Fatalf("InterfaceIndex(%#x) ok, want not an interface offset", off)
		}
	}
}

func Test_Descriptor_Packs_Page_Low_And_Length_High(t *testing.T) {
	t.Parallel()

	slot := make([]byte, exmap.SlotSize)
	exmap.EncodeDescriptor(slot, exmap.Descriptor{Page: 2090, Len: 10})

	// Little-endian: page 2090 = 0x082a in the low bytes, len 10 in the top
	// 12 bits (0xa << 52 puts 0xa0 in byte 6 and 0x00 in byte 7).
	want := []byte{0x2a, 0x08, 0, 0, 0, 0, 0xa0, 0x00}
	if string(slot) != string(want) {
		t.Fatalf("slot = % x, want % x", slot, want)
	}

	rng := rand.New(rand.NewPCG(1, 2))

	for range 10_000 {
		d := exmap.Descriptor{
			Page: rng.Uint64() & exmap.MaxDescriptorPage,
			Len:  rng.Uint64() & exmap.MaxDescriptorLen,
		}

		exmap.EncodeDescriptor(slot, d)

		if got := exmap.DecodeDescriptor(slot); got != d {
			t.Fatalf("round trip %+v = %+v", d, got)
		}
	}
}

func Test_Outcome_Uses_First_Six_Bytes(t *testing.T) {
	t.Parallel()

	slot := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	exmap.EncodeOutcome(slot, exmap.Outcome{Code: -int32(unix.ENOMEM), Pages: 3})

	want := []byte{0xf4, 0xff, 0xff, 0xff, 0x03, 0x00, 0x00, 0x00}
	if string(slot) != string(want) {
		t.Fatalf("slot = % x, want % x", slot, want)
	}

	got := exmap.DecodeOutcome(slot)
	if got.Code != -12 || got.Pages != 3 {
		t.Fatalf("DecodeOutcome = %+v, want {-12 3}", got)
	}

	if !errors.Is(got.Err(), unix.ENOMEM) {
		t.Fatalf("Err() = %v, want ENOMEM", got.Err())
	}

	if err := (exmap.Outcome{Pages: 1}).Err(); err != nil {
		t.Fatalf("Err() on success = %v, want nil", err)
	}
}

func Test_Opcode_String(t *testing.T) {
	t.Parallel()

	for op, want := range map[exmap.Opcode]string{
		exmap.OpRead:  "read",
		exmap.OpAlloc: "alloc",
		exmap.OpFree:  "free",
		exmap.OpWrite: "write",
		9:             "opcode(9)",
	} {
		if got := op.String(); got != want {
			t.Fatalf("Opcode(%d).String() = %q, want %q", op, got, want)
		}
	}
}
