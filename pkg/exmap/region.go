package exmap

import (
	"fmt"
	"io"
	"sync"
)

// Region is the virtual memory region created by [Device.Create].
//
// Reads and writes may run concurrently with each other. [Region.Unmap]
// waits for them and releases the mapping once; every later call other than
// Unmap returns [ErrClosed].
type Region struct {
	_ [0]func() // prevent external construction

	dev  *Device
	size int

	mu   sync.RWMutex
	data []byte // nil once unmapped
}

var (
	_ io.ReaderAt = (*Region)(nil)
	_ io.WriterAt = (*Region)(nil)
)

// Size returns the region size in bytes.
func (r *Region) Size() int { return r.size }

// Pages returns the number of pages in the region.
func (r *Region) Pages() uint64 { return uint64(r.size / r.dev.pageSize) }

// Bytes returns the mapped memory. The slice must not be used after
// [Region.Unmap].
func (r *Region) Bytes() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return nil, ErrClosed
	}

	return r.data, nil
}

// Page returns the memory of page id. The slice must not be used after
// [Region.Unmap].
func (r *Region) Page(id uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return nil, ErrClosed
	}

	if id >= r.Pages() {
		return nil, fmt.Errorf("page %d >= %d: %w", id, r.Pages(), ErrOutOfBounds)
	}

	ps := uint64(r.dev.pageSize)

	return r.data[id*ps : (id+1)*ps : (id+1)*ps], nil
}

// ReadAt implements [io.ReaderAt].
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, ErrOutOfBounds)
	}

	if off >= int64(r.size) {
		return 0, io.EOF
	}

	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements [io.WriterAt]. Writes that do not fit entirely inside
// the region are rejected without writing.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return 0, ErrClosed
	}

	if off < 0 || off > int64(r.size) || int64(len(p)) > int64(r.size)-off {
		return 0, fmt.Errorf("write [%d, %d) outside region of %d bytes: %w", off, off+int64(len(p)), r.size, ErrOutOfBounds)
	}

	return copy(r.data[off:], p), nil
}

// Unmap releases the region. Calling Unmap again is a no-op.
func (r *Region) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return nil
	}

	err := r.dev.unmap(r.data, "region")
	if err != nil {
		return err
	}

	r.data = nil

	return nil
}
