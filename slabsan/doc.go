// Package slabsan is a memory safety sanitizer for slab allocators.
//
// A Runtime couples a small reference slab allocator with a sanitizer that
// watches every allocation and free. It detects out-of-bounds accesses and
// use-after-free by keeping shadow memory for the simulated address space,
// poisoning redzones and freed objects, and delaying reuse of freed objects
// in a quarantine. Invalid and double frees are caught at free time.
//
// # Quick Start
//
//	rt, err := slabsan.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rt.Close()
//
//	p, _ := rt.Kmalloc(40)
//	rt.Store(p, 40)  // fine
//	rt.Free(p)
//	rt.Load(p, 8)    // reported: use-after-free
//
// # Modes
//
// Generic mode keeps one shadow byte per 8 bytes and records why memory is
// poisoned. Tag mode gives every object a random tag, keeps one tag per 16
// bytes and flags accesses through pointers whose tag does not match the
// memory. The mode is fixed for the lifetime of a Runtime.
//
// # Configuration
//
// Without WithConfig the runtime reads SLABSAN_OPTIONS, a list of
// key=value pairs separated by colons:
//
//	SLABSAN_OPTIONS="mode=tags:stacktrace=1:quarantine_size=2MiB:multi_shot=0"
//
// Recognised keys are mode, stacktrace, multi_shot, quarantine_size,
// quarantine_batch, max_alloc_size, page_size, report_burst and
// report_interval.
//
// # Reports
//
// Each violation is printed once in a block naming the bad access, the
// object it hit, and where that object was allocated and freed. Reports
// are also kept in memory and returned by Runtime.Reports.
package slabsan
