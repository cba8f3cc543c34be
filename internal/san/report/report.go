// Package report describes detected memory safety violations and renders
// them.
//
// A Report is built by the sanitizer at the moment a bad free or a bad
// access is observed and handed to a Reporter. The default Reporter, the
// Printer, writes a human-readable block per report, deduplicates reports
// that share a key and throttles output. Collector keeps reports in memory
// for tests and for the public runtime.
package report

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/kolkov/slabsan/internal/san/stackdepot"
	"github.com/kolkov/slabsan/internal/san/tag"
	"github.com/kolkov/slabsan/internal/san/track"
)

// Kind classifies a violation.
type Kind int

const (
	// KindInvalidFree is a free of a pointer that is not an object start.
	KindInvalidFree Kind = iota
	// KindDoubleFree is a free of an object that is already freed.
	KindDoubleFree
	// KindOutOfBounds is an access that hit a redzone.
	KindOutOfBounds
	// KindUseAfterFree is an access to a freed object.
	KindUseAfterFree
	// KindInvalidAccess is an access through a pointer whose tag does not
	// match the memory, or to memory never handed out.
	KindInvalidAccess
)

// String returns the short name used in titles and metric labels.
func (k Kind) String() string {
	switch k {
	case KindInvalidFree:
		return "invalid-free"
	case KindDoubleFree:
		return "double-free"
	case KindOutOfBounds:
		return "out-of-bounds"
	case KindUseAfterFree:
		return "use-after-free"
	case KindInvalidAccess:
		return "invalid-access"
	default:
		return "unknown"
	}
}

// IsFree reports whether k was raised by a free rather than an access.
func (k Kind) IsFree() bool {
	return k == KindInvalidFree || k == KindDoubleFree
}

// Object locates the object a bad address belongs to.
type Object struct {
	Cache string
	Start uint64
	Size  int
	Meta  track.Metadata

	// Quarantined is set when the object was freed and is still held
	// back from reuse.
	Quarantined bool
}

// Report is one detected violation.
type Report struct {
	Kind Kind
	// Addr is the bad address as the caller presented it, tag included.
	Addr tag.Pointer
	// Size and Write describe the access; Size is zero for frees.
	Size  uint64
	Write bool
	// CallSite is the program counter of the offending caller, if known.
	CallSite uintptr
	PID      int64
	Stack    stackdepot.Handle
	// Shadow is the shadow byte found at the first bad address.
	Shadow byte
	// Object is nil when the address could not be attributed.
	Object *Object
}

// Key identifies reports of the same bug at the same place.
func (r *Report) Key() string {
	return fmt.Sprintf("%s:0x%x:%x", r.Kind, r.Addr.Canonical(), uint64(r.Stack))
}

// Title is the one-line headline of the report.
func (r *Report) Title() string {
	name := r.Kind.String()
	if r.Object != nil && (r.Kind == KindOutOfBounds || r.Kind == KindUseAfterFree) {
		name = "slab-" + name
	}
	return fmt.Sprintf("BUG: slabsan: %s in %s", name, funcName(r.CallSite))
}

// StackLookup resolves stack handles.
type StackLookup interface {
	Lookup(stackdepot.Handle) *stackdepot.StackTrace
}

const rule = "=================================================================="

// Format writes the report to w, resolving stacks through stacks.
func (r *Report) Format(w io.Writer, stacks StackLookup) error {
	var b strings.Builder
	b.WriteString(rule + "\n")
	b.WriteString(r.Title() + "\n")

	switch {
	case r.Kind.IsFree():
		fmt.Fprintf(&b, "Free of addr %s by task %d\n", r.Addr, r.PID)
	default:
		op := "Read"
		if r.Write {
			op = "Write"
		}
		fmt.Fprintf(&b, "%s of size %d at addr %s by task %d\n", op, r.Size, r.Addr, r.PID)
	}
	b.WriteString("\n")
	writeStack(&b, stacks, r.Stack)

	if o := r.Object; o != nil {
		if o.Meta.HasAlloc && o.Meta.Alloc.Alloc.Stack != 0 {
			fmt.Fprintf(&b, "\nAllocated by task %d:\n", o.Meta.Alloc.Alloc.PID)
			writeStack(&b, stacks, o.Meta.Alloc.Alloc.Stack)
		}
		if o.Meta.HasFree && o.Meta.Free.Free.Stack != 0 {
			fmt.Fprintf(&b, "\nFreed by task %d:\n", o.Meta.Free.Free.PID)
			writeStack(&b, stacks, o.Meta.Free.Free.Stack)
		}
		for i, h := range o.Meta.Alloc.Aux {
			if h == 0 {
				continue
			}
			if i == 0 {
				b.WriteString("\nLast potentially related work creation:\n")
			} else {
				b.WriteString("\nSecond to last potentially related work creation:\n")
			}
			writeStack(&b, stacks, h)
		}
		b.WriteString("\n")
		b.WriteString(r.describeObject())
	}

	fmt.Fprintf(&b, "\nShadow byte at the buggy address: %02x\n", r.Shadow)
	b.WriteString(rule + "\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// String renders the report without stacks.
func (r *Report) String() string {
	var b strings.Builder
	_ = r.Format(&b, nil)
	return b.String()
}

func (r *Report) describeObject() string {
	o := r.Object
	addr := r.Addr.Canonical()
	end := o.Start + uint64(o.Size)

	var where string
	switch {
	case addr < o.Start:
		where = fmt.Sprintf("%d bytes to the left of", o.Start-addr)
	case addr >= end:
		where = fmt.Sprintf("%d bytes to the right of", addr-end)
	default:
		where = fmt.Sprintf("%d bytes inside of", addr-o.Start)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The buggy address belongs to the object at %x\n", o.Start)
	fmt.Fprintf(&b, " which belongs to the cache %s of size %d\n", o.Cache, o.Size)
	fmt.Fprintf(&b, "The buggy address is located %s\n", where)
	fmt.Fprintf(&b, " %d-byte region [%x, %x)\n", o.Size, o.Start, end)
	if o.Quarantined {
		b.WriteString("The object is freed and held in quarantine\n")
	}
	return b.String()
}

func writeStack(b *strings.Builder, stacks StackLookup, h stackdepot.Handle) {
	if stacks == nil || h == 0 {
		b.WriteString("  <no stack>\n")
		return
	}
	b.WriteString(stacks.Lookup(h).FormatStack())
}

func funcName(pc uintptr) string {
	if pc == 0 {
		return "<unknown>"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return fmt.Sprintf("0x%x", pc)
	}
	return fn.Name()
}
