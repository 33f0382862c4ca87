package exmap

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by exmap operations.
//
// Callers should use [errors.Is] to check error kinds:
//
//	if errors.Is(err, exmap.ErrCapacity) {
//	    res, err = b.Alloc()
//	    // flush, then push again
//	}
var (
	// ErrCapacity indicates the request batch already holds [MaxCount]
	// descriptors. The push is not applied.
	//
	// Recovery: issue the batch, reset, and push again.
	ErrCapacity = errors.New("exmap: capacity exceeded")

	// ErrOutOfBounds indicates indexed access past the current batch length.
	//
	// This is a programming error.
	ErrOutOfBounds = errors.New("exmap: index out of bounds")

	// ErrIO indicates the device failed: open, mmap or a control command
	// returned an error. The underlying errno is wrapped alongside, so
	// errors.Is(err, unix.ENOMEM) works too.
	ErrIO = errors.New("exmap: device i/o")

	// ErrInvalidInput indicates invalid arguments, such as a descriptor
	// that does not fit a slot or an interface size above the page size.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("exmap: invalid input")

	// ErrAlreadyMapped indicates [Device.MapInterface] was called twice for
	// the same index.
	//
	// This is a programming error.
	ErrAlreadyMapped = errors.New("exmap: interface already mapped")

	// ErrConsumed indicates a [Builder] or [Results] handle was used after
	// it was converted into the other state or unmapped.
	//
	// This is a programming error.
	ErrConsumed = errors.New("exmap: handle consumed")

	// ErrClosed indicates the [Device] or [Region] was already released.
	//
	// This is a programming error.
	ErrClosed = errors.New("exmap: closed")

	// ErrBusy indicates the device still has live mappings, or a region
	// was already created on it.
	//
	// Recovery: unmap the region and every interface first.
	ErrBusy = errors.New("exmap: busy")
)

func errnoErr(code int32) error {
	return unix.Errno(code)
}
