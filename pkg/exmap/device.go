package exmap

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options configures a [Device].
type Options struct {
	// PageSize is the system page size. Zero means [DefaultPageSize].
	PageSize int

	// Logger receives debug records for mappings and setup. Nil discards.
	Logger logrus.FieldLogger
}

// RegionConfig describes the region and device setup done by [Device.Create].
type RegionConfig struct {
	// Size of the virtual memory region in bytes. Must be a positive
	// multiple of the page size.
	Size int

	// MaxInterfaces is the number of interfaces the device will serve.
	MaxInterfaces int

	// BufferPages is the physical page budget of the device.
	BufferPages uint64

	// Backing is the optional backing store. Nil means none.
	Backing *os.File
}

// Device owns the connection to the exmap control device.
//
// The region and every interface borrow from the device and must be unmapped
// before [Device.Close]. Close reports [ErrBusy] otherwise, so a dependent
// mapping can never outlive the connection.
//
// Device is safe for concurrent use. Control commands issued through
// interfaces run without a device-level lock.
type Device struct {
	_ [0]func() // prevent external construction

	drv      Driver
	pageSize int
	log      logrus.FieldLogger

	mu            sync.Mutex
	closed        bool
	created       bool
	maxInterfaces int
	mapped        map[uint16]struct{} // every index ever mapped
	live          int                 // region + interfaces currently mapped
}

// Open opens the control device node at path ([DevicePath] if empty).
//
// Returns an error wrapping [ErrIO] if the device is not present or not
// accessible.
func Open(path string, opts Options) (*Device, error) {
	if path == "" {
		path = DevicePath
	}

	drv, err := OpenDriver(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	dev, err := NewDevice(drv, opts)
	if err != nil {
		_ = drv.Close()

		return nil, err
	}

	return dev, nil
}

// NewDevice wraps an already open [Driver]. The device takes ownership and
// closes drv in [Device.Close].
func NewDevice(drv Driver, opts Options) (*Device, error) {
	if drv == nil {
		return nil, fmt.Errorf("nil driver: %w", ErrInvalidInput)
	}

	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}

	if pageSize < 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two: %w", opts.PageSize, ErrInvalidInput)
	}

	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Device{
		drv:      drv,
		pageSize: pageSize,
		log:      log,
		mapped:   make(map[uint16]struct{}),
	}, nil
}

// PageSize returns the page size the device was configured with.
func (d *Device) PageSize() int { return d.pageSize }

// Create maps the virtual memory region and configures the device.
//
// The interface size is checked against the page size before any call into
// the driver. A device supports one region; a second Create returns
// [ErrBusy]. If setup fails the region is unmapped again.
func (d *Device) Create(cfg RegionConfig) (*Region, error) {
	if InterfaceSize > d.pageSize {
		return nil, fmt.Errorf("interface size %d > page size %d: %w", InterfaceSize, d.pageSize, ErrInvalidInput)
	}

	if cfg.Size <= 0 || cfg.Size%d.pageSize != 0 {
		return nil, fmt.Errorf("region size %d is not a positive multiple of %d: %w", cfg.Size, d.pageSize, ErrInvalidInput)
	}

	if cfg.MaxInterfaces < 1 || cfg.MaxInterfaces > 1<<16 {
		return nil, fmt.Errorf("max interfaces %d out of [1, 65536]: %w", cfg.MaxInterfaces, ErrInvalidInput)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if d.created {
		return nil, fmt.Errorf("region already created: %w", ErrBusy)
	}

	data, err := d.drv.Mmap(OffRegion, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap region (%d bytes): %w", ErrIO, cfg.Size, err)
	}

	params := SetupParams{
		FD:            NoBackingFD,
		MaxInterfaces: int32(cfg.MaxInterfaces),
		BufferSize:    cfg.BufferPages,
	}
	if cfg.Backing != nil {
		params.FD = int32(cfg.Backing.Fd())
	}

	err = d.drv.Setup(params)
	runtime.KeepAlive(cfg.Backing)

	if err != nil {
		_ = d.drv.Munmap(data)

		return nil, fmt.Errorf("%w: setup: %w", ErrIO, err)
	}

	d.created = true
	d.maxInterfaces = cfg.MaxInterfaces
	d.live++

	d.log.WithFields(logrus.Fields{
		"size":           cfg.Size,
		"max_interfaces": cfg.MaxInterfaces,
		"buffer_pages":   cfg.BufferPages,
		"backing_fd":     params.FD,
	}).Debug("exmap region created")

	return &Region{dev: d, size: cfg.Size, data: data}, nil
}

// MapInterface maps interface index and returns it in the building state.
//
// Each index may be mapped once for the lifetime of the device; a second
// call returns [ErrAlreadyMapped] even after the first mapping was released.
func (d *Device) MapInterface(index uint16) (*Builder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if _, ok := d.mapped[index]; ok {
		return nil, fmt.Errorf("interface %d: %w", index, ErrAlreadyMapped)
	}

	if d.created && int(index) >= d.maxInterfaces {
		return nil, fmt.Errorf("interface %d >= max interfaces %d: %w", index, d.maxInterfaces, ErrInvalidInput)
	}

	mem, err := d.drv.Mmap(InterfaceOffset(index), InterfaceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap interface %d: %w", ErrIO, index, err)
	}

	d.mapped[index] = struct{}{}
	d.live++

	d.log.WithField("interface", index).Debug("exmap interface mapped")

	return &Builder{m: &mapping{dev: d, index: index, mem: mem}}, nil
}

// Close releases the device connection. Calling Close again is a no-op.
//
// Returns [ErrBusy] while the region or any interface is still mapped.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	if d.live > 0 {
		return fmt.Errorf("%d mappings outstanding: %w", d.live, ErrBusy)
	}

	d.closed = true

	err := d.drv.Close()
	if err != nil {
		return fmt.Errorf("%w: close: %w", ErrIO, err)
	}

	return nil
}

// unmap releases a dependent mapping.
func (d *Device) unmap(b []byte, what string) error {
	err := d.drv.Munmap(b)
	if err != nil {
		return fmt.Errorf("%w: munmap %s: %w", ErrIO, what, err)
	}

	d.mu.Lock()
	d.live--
	d.mu.Unlock()

	d.log.WithField("mapping", what).Debug("exmap unmapped")

	return nil
}
