package exmap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Driver is the device primitive: map a byte range at a device-defined
// offset and issue the two control commands.
//
// Implementations must be safe for concurrent use. [Driver.Action] is called
// by many workers at once without an external lock.
type Driver interface {
	// Mmap maps length bytes at the device offset. The returned slice stays
	// valid until it is passed to Munmap.
	Mmap(offset uint64, length int) ([]byte, error)

	// Munmap releases a slice returned by Mmap.
	Munmap(b []byte) error

	// Setup configures the device.
	Setup(p SetupParams) error

	// Action runs a batch on an interface. It returns the non-negative
	// driver result (the number of descriptors that failed) or an error.
	Action(p ActionParams) (int, error)

	// Close releases the device connection.
	Close() error
}

// sysDriver is the [Driver] backed by the exmap kernel module.
type sysDriver struct {
	fd int
}

var _ Driver = (*sysDriver)(nil)

// OpenDriver opens the control device node at path.
func OpenDriver(path string) (Driver, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	return &sysDriver{fd: fd}, nil
}

func (d *sysDriver) Mmap(offset uint64, length int) ([]byte, error) {
	// Interface offsets have the top bits set; the kernel takes the raw
	// 64-bit value.
	off := int64(offset)

	b, err := unix.Mmap(d.fd, off, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}

	return b, nil
}

func (d *sysDriver) Munmap(b []byte) error {
	err := unix.Munmap(b)
	if err != nil {
		return os.NewSyscallError("munmap", err)
	}

	return nil
}

func (d *sysDriver) Setup(p SetupParams) error {
	_, err := d.ioctl(IoctlSetup, unsafe.Pointer(&p))
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	return nil
}

func (d *sysDriver) Action(p ActionParams) (int, error) {
	r, err := d.ioctl(IoctlAction, unsafe.Pointer(&p))
	if err != nil {
		return 0, fmt.Errorf("action %v: %w", p.Opcode, err)
	}

	return int(r), nil
}

func (d *sysDriver) ioctl(op uintptr, arg unsafe.Pointer) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), op, uintptr(arg))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl", errno)
	}

	return r, nil
}

func (d *sysDriver) Close() error {
	err := unix.Close(d.fd)
	if err != nil {
		return os.NewSyscallError("close", err)
	}

	return nil
}
