// Package exmap is the userspace side of the exmap kernel module.
//
// A [Device] owns the connection to /dev/exmap. [Device.Create] maps the
// virtual memory [Region] and configures the device; [Device.MapInterface]
// maps one interface per worker. An interface is a 4 KiB array of
// [MaxCount] slots that carries a batch of page ranges to the driver and
// carries the per-range outcomes back in the same memory.
//
// The two interpretations of that memory are two types:
//
//	b, _ := dev.MapInterface(0)   // *Builder: request descriptors
//	b.Push(0, 1)
//	b.Push(2090, 10)
//	res, _ := b.Alloc()           // *Results: outcomes, b is consumed
//	for i, o := range res.All() {
//	    ...
//	}
//	b, _ = res.Reset()            // *Builder again, empty
//
// Alloc and Free consume the builder, so outcomes can never be read as
// descriptors or the other way round. A consumed handle returns
// [ErrConsumed].
//
// # Teardown
//
// Dependents are released explicitly: [Region.Unmap], [Builder.Unmap] or
// [Results.Unmap], then [Device.Close]. Close returns [ErrBusy] while any
// mapping is outstanding.
//
// # Drivers
//
// The device speaks to a [Driver]. [Open] uses the kernel module;
// package exmapsim provides an in-process simulation for tests and demos.
package exmap
