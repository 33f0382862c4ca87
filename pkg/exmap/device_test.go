package exmap_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/exmap/exmapsim"
)

const mib = 1 << 20

func newSimDevice(t *testing.T) (*exmap.Device, *exmapsim.Sim) {
	t.Helper()

	sim := exmapsim.New(0)

	dev, err := exmap.NewDevice(sim, exmap.Options{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	return dev, sim
}

func mustCreate(t *testing.T, dev *exmap.Device, cfg exmap.RegionConfig) *exmap.Region {
	t.Helper()

	region, err := dev.Create(cfg)
	if err != nil {
		t.Fatalf("Create(%+v): %v", cfg, err)
	}

	return region
}

// countingDriver counts the calls that reach the wrapped driver.
type countingDriver struct {
	exmap.Driver

	calls int
}

func (d *countingDriver) Mmap(offset uint64, length int) ([]byte, error) {
	d.calls++

	return d.Driver.Mmap(offset, length)
}

func (d *countingDriver) Setup(p exmap.SetupParams) error {
	d.calls++

	return d.Driver.Setup(p)
}

func Test_Open_Returns_ErrIO_When_Device_Missing(t *testing.T) {
	t.Parallel()

	_, err := exmap.Open(filepath.Join(t.TempDir(), "exmap"), exmap.Options{})
	if !errors.Is(err, exmap.ErrIO) {
		t.Fatalf("Open: err = %v, want ErrIO", err)
	}

	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Open: err = %v, want wrapped ENOENT", err)
	}
}

func Test_NewDevice_Rejects_Bad_Arguments(t *testing.T) {
	t.Parallel()

	if _, err := exmap.NewDevice(nil, exmap.Options{}); !errors.Is(err, exmap.ErrInvalidInput) {
		t.Fatalf("nil driver: err = %v, want ErrInvalidInput", err)
	}

	if _, err := exmap.NewDevice(exmapsim.New(0), exmap.Options{PageSize: 3000}); !errors.Is(err, exmap.ErrInvalidInput) {
		t.Fatalf("page size 3000: err = %v, want ErrInvalidInput", err)
	}
}

func Test_Create_Checks_Interface_Size_Before_Any_Driver_Call(t *testing.T) {
	t.Parallel()

	drv := &countingDriver{Driver: exmapsim.New(2048)}

	dev, err := exmap.NewDevice(drv, exmap.Options{PageSize: 2048})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	_, err = dev.Create(exmap.RegionConfig{Size: 4 * mib, MaxInterfaces: 1, BufferPages: 512})
	if !errors.Is(err, exmap.ErrInvalidInput) {
		t.Fatalf("Create: err = %v, want ErrInvalidInput", err)
	}

	if drv.calls != 0 {
		t.Fatalf("driver calls = %d, want 0", drv.calls)
	}
}

func Test_Create_Rejects_Invalid_Config(t *testing.T) {
	t.Parallel()

	cases := map[string]exmap.RegionConfig{
		"ZeroSize":          {Size: 0, MaxInterfaces: 1, BufferPages: 1},
		"UnalignedSize":     {Size: 4097, MaxInterfaces: 1, BufferPages: 1},
		"NoInterfaces":      {Size: mib, MaxInterfaces: 0, BufferPages: 1},
		"TooManyInterfaces": {Size: mib, MaxInterfaces: 1<<16 + 1, BufferPages: 1},
	}

	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dev, _ := newSimDevice(t)

			_, err := dev.Create(cfg)
			if !errors.Is(err, exmap.ErrInvalidInput) {
				t.Fatalf("Create(%+v): err = %v, want ErrInvalidInput", cfg, err)
			}
		})
	}
}

func Test_Create_Passes_Setup_Params_To_Driver(t *testing.T) {
	t.Parallel()

	dev, sim := newSimDevice(t)

	backing, err := os.CreateTemp(t.TempDir(), "backing")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}

	defer backing.Close()

	region := mustCreate(t, dev, exmap.RegionConfig{Size: 4 * mib, MaxInterfaces: 2, BufferPages: 16, Backing: backing})

	if got := sim.BackingFD(); got != int32(backing.Fd()) {
		t.Fatalf("backing fd = %d, want %d", got, backing.Fd())
	}

	if region.Size() != 4*mib || region.Pages() != 1024 {
		t.Fatalf("region = %d bytes / %d pages, want %d / 1024", region.Size(), region.Pages(), 4*mib)
	}

	if _, err := dev.MapInterface(2); !errors.Is(err, exmap.ErrInvalidInput) {
		t.Fatalf("MapInterface(2) with 2 interfaces: err = %v, want ErrInvalidInput", err)
	}

	if err := region.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func Test_Create_Twice_Returns_ErrBusy(t *testing.T) {
	t.Parallel()

	dev, _ := newSimDevice(t)
	mustCreate(t, dev, exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})

	_, err := dev.Create(exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})
	if !errors.Is(err, exmap.ErrBusy) {
		t.Fatalf("second Create: err = %v, want ErrBusy", err)
	}
}

func Test_Create_Unmaps_Region_When_Setup_Fails(t *testing.T) {
	t.Parallel()

	sim := exmapsim.New(0)
	chaos := exmapsim.NewChaos(sim, 1, &exmapsim.ChaosConfig{SetupFailRate: 1})

	dev, err := exmap.NewDevice(chaos, exmap.Options{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	_, err = dev.Create(exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})
	if !errors.Is(err, exmap.ErrIO) || !exmapsim.IsChaosErr(err) {
		t.Fatalf("Create: err = %v, want injected ErrIO", err)
	}

	// The failed attempt released its mapping, so a retry can map again.
	chaos.SetMode(exmapsim.ChaosModeNoOp)

	region := mustCreate(t, dev, exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})

	if err := region.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func Test_MapInterface_Twice_Returns_ErrAlreadyMapped_Even_After_Unmap(t *testing.T) {
	t.Parallel()

	dev, _ := newSimDevice(t)
	mustCreate(t, dev, exmap.RegionConfig{Size: mib, MaxInterfaces: 4, BufferPages: 8})

	b, err := dev.MapInterface(1)
	if err != nil {
		t.Fatalf("MapInterface(1): %v", err)
	}

	if _, err := dev.MapInterface(1); !errors.Is(err, exmap.ErrAlreadyMapped) {
		t.Fatalf("second MapInterface(1): err = %v, want ErrAlreadyMapped", err)
	}

	if err := b.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if _, err := dev.MapInterface(1); !errors.Is(err, exmap.ErrAlreadyMapped) {
		t.Fatalf("MapInterface(1) after unmap: err = %v, want ErrAlreadyMapped", err)
	}

	if _, err := dev.MapInterface(2); err != nil {
		t.Fatalf("MapInterface(2): %v", err)
	}
}

func Test_MapInterface_Before_Create_Fails_In_Driver(t *testing.T) {
	t.Parallel()

	dev, _ := newSimDevice(t)

	_, err := dev.MapInterface(0)
	if !errors.Is(err, exmap.ErrIO) || !errors.Is(err, unix.EINVAL) {
		t.Fatalf("MapInterface before setup: err = %v, want ErrIO wrapping EINVAL", err)
	}
}

func Test_Close_Returns_ErrBusy_While_Mappings_Outstanding(t *testing.T) {
	t.Parallel()

	dev, _ := newSimDevice(t)
	region := mustCreate(t, dev, exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})

	b, err := dev.MapInterface(0)
	if err != nil {
		t.Fatalf("MapInterface: %v", err)
	}

	if err := dev.Close(); !errors.Is(err, exmap.ErrBusy) {
		t.Fatalf("Close with region and interface: err = %v, want ErrBusy", err)
	}

	if err := region.Unmap(); err != nil {
		t.Fatalf("region.Unmap: %v", err)
	}

	if err := dev.Close(); !errors.Is(err, exmap.ErrBusy) {
		t.Fatalf("Close with interface: err = %v, want ErrBusy", err)
	}

	if err := b.Unmap(); err != nil {
		t.Fatalf("interface Unmap: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("second Close: %v, want nil", err)
	}

	if _, err := dev.MapInterface(0); !errors.Is(err, exmap.ErrClosed) {
		t.Fatalf("MapInterface after Close: err = %v, want ErrClosed", err)
	}
}

func Test_Region_Read_Write_And_Idempotent_Unmap(t *testing.T) {
	t.Parallel()

	dev, _ := newSimDevice(t)
	region := mustCreate(t, dev, exmap.RegionConfig{Size: mib, MaxInterfaces: 1, BufferPages: 8})

	payload := []byte("resident page")

	n, err := region.WriteAt(payload, 4096*3+10)
	if err != nil || n != len(payload) {
		t.Fatalf("WriteAt = (%d, %v), want (%d, nil)", n, err, len(payload))
	}

	page, err := region.Page(3)
	if err != nil {
		t.Fatalf("Page(3): %v", err)
	}

	if len(page) != 4096 || !bytes.Equal(page[10:10+len(payload)], payload) {
		t.Fatalf("Page(3) does not contain the written bytes")
	}

	got := make([]byte, len(payload))
	if _, err := region.ReadAt(got, 4096*3+10); err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("ReadAt = (%q, %v), want %q", got, err, payload)
	}

	tail := make([]byte, 8)
	if n, err := region.ReadAt(tail, mib-4); n != 4 || !errors.Is(err, io.EOF) {
		t.Fatalf("ReadAt across end = (%d, %v), want (4, EOF)", n, err)
	}

	if _, err := region.WriteAt(tail, mib-4); !errors.Is(err, exmap.ErrOutOfBounds) {
		t.Fatalf("WriteAt across end: err = %v, want ErrOutOfBounds", err)
	}

	if _, err := region.Page(region.Pages()); !errors.Is(err, exmap.ErrOutOfBounds) {
		t.Fatalf("Page(Pages()): err = %v, want ErrOutOfBounds", err)
	}

	if err := region.Unmap(); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if err := region.Unmap(); err != nil {
		t.Fatalf("second Unmap: %v, want nil", err)
	}

	if _, err := region.ReadAt(got, 0); !errors.Is(err, exmap.ErrClosed) {
		t.Fatalf("ReadAt after Unmap: err = %v, want ErrClosed", err)
	}

	if _, err := region.Bytes(); !errors.Is(err, exmap.ErrClosed) {
		t.Fatalf("Bytes after Unmap: err = %v, want ErrClosed", err)
	}
}
