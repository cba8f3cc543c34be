// Package stackdepot implements deduplicated stack trace storage.
//
// The depot stores each unique stack once and hands out a 64-bit handle
// for it. Allocation and free records keep only the handle, so recording
// a stack on every allocation costs one runtime.Callers call and a hash
// lookup, and memory grows with the number of distinct call sites rather
// than the number of allocations.
//
// Design:
//   - Fixed-size traces (16 frames, 128 bytes per stack)
//   - FNV-1a hash of the program counters as the handle
//   - sync.Map storage (lock-free reads, rare writes)
//
// Usage:
//
//	d := stackdepot.New()
//	h := d.Capture(0)
//	...
//	fmt.Print(d.Lookup(h).FormatStack())
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
)

// MaxFrames is the maximum number of frames kept per stack.
const MaxFrames = 16

// Handle identifies a stored stack. The zero handle means "no stack".
type Handle uint64

// StackTrace is a captured stack with fixed capacity.
type StackTrace struct {
	PC [MaxFrames]uintptr
}

// Frames returns the non-zero program counters.
func (st *StackTrace) Frames() []uintptr {
	if st == nil {
		return nil
	}
	for i, pc := range st.PC {
		if pc == 0 {
			return st.PC[:i]
		}
	}
	return st.PC[:]
}

// Depot stores unique stacks for one sanitizer runtime.
//
// Thread Safety: all methods except Reset are safe for concurrent use.
type Depot struct {
	stacks sync.Map // Handle -> *StackTrace
}

// New returns an empty depot.
func New() *Depot {
	return &Depot{}
}

// Capture records the caller's stack and returns its handle.
//
// skip counts additional frames to drop above Capture's caller, so a
// helper that wraps Capture passes 1 to start the trace at its own caller.
func (d *Depot) Capture(skip int) Handle {
	var pcs [MaxFrames]uintptr
	// Skip runtime.Callers and Capture itself.
	n := runtime.Callers(2+skip, pcs[:])
	if n == 0 {
		return 0
	}
	return d.Save(pcs[:n])
}

// Save stores pcs and returns the handle. Identical stacks share a handle.
func (d *Depot) Save(pcs []uintptr) Handle {
	if len(pcs) == 0 {
		return 0
	}
	if len(pcs) > MaxFrames {
		pcs = pcs[:MaxFrames]
	}
	h := hashStack(pcs)
	if _, ok := d.stacks.Load(h); ok {
		return h
	}
	trace := &StackTrace{}
	copy(trace.PC[:], pcs)
	d.stacks.LoadOrStore(h, trace)
	return h
}

// Lookup returns the stack for h, or nil for unknown or zero handles.
func (d *Depot) Lookup(h Handle) *StackTrace {
	if h == 0 {
		return nil
	}
	v, ok := d.stacks.Load(h)
	if !ok {
		return nil
	}
	return v.(*StackTrace)
}

// Stats returns the number of unique stacks and their approximate memory.
//
// O(N); do not call on hot paths.
func (d *Depot) Stats() (uniqueStacks int, totalMemory int64) {
	d.stacks.Range(func(_, _ any) bool {
		uniqueStacks++
		return true
	})
	// Trace plus sync.Map entry overhead.
	const bytesPerStack = MaxFrames*8 + 32
	return uniqueStacks, int64(uniqueStacks) * bytesPerStack
}

// Reset drops every stored stack. Not safe for concurrent use.
func (d *Depot) Reset() {
	d.stacks = sync.Map{}
}

// hashStack computes the FNV-1a hash of the program counters. A zero hash
// is remapped so that it never collides with the "no stack" handle.
func hashStack(pcs []uintptr) Handle {
	h := fnv.New64a()
	var buf [8]byte
	for _, pc := range pcs {
		binary.LittleEndian.PutUint64(buf[:], uint64(pc))
		_, _ = h.Write(buf[:])
	}
	if sum := h.Sum64(); sum != 0 {
		return Handle(sum)
	}
	return 1
}

// FormatStack renders the trace as
//
//	pkg.function()
//	    /path/to/file.go:45
//
// skipping runtime frames.
func (st *StackTrace) FormatStack() string {
	if st == nil {
		return "  <unknown>\n"
	}

	frames := runtime.CallersFrames(st.Frames())

	var buf strings.Builder
	for {
		frame, more := frames.Next()
		if frame.PC == 0 {
			break
		}
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&buf, "  %s()\n", frame.Function)
			fmt.Fprintf(&buf, "      %s:%d\n", frame.File, frame.Line)
		}
		if !more {
			break
		}
	}

	if buf.Len() == 0 {
		return "  <runtime internal>\n"
	}
	return buf.String()
}
