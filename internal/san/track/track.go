// Package track records who allocated and who freed each object.
//
// Records live at the metadata offsets the layout planner reserved for the
// object's cache. Recording never influences poisoning or control flow; the
// records are read back only when a report is rendered.
package track

import (
	"sync"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/stackdepot"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// StackSaver captures the current stack into a depot. skip drops frames
// above the caller of Capture.
type StackSaver interface {
	Capture(skip int) stackdepot.Handle
}

// Track is one {pid, stack} stamp.
type Track struct {
	PID   int64
	Stack stackdepot.Handle
}

// AllocMeta is the allocation record.
type AllocMeta struct {
	Alloc Track
	// Aux holds the two most recent auxiliary stacks, newest first.
	Aux [2]stackdepot.Handle
}

// FreeMeta is the free record.
type FreeMeta struct {
	Free Track
	Tag  tag.Tag
}

// Metadata is a snapshot of an object's records. A kind the cache never
// reserved is reported absent.
type Metadata struct {
	Alloc    AllocMeta
	HasAlloc bool
	Free     FreeMeta
	HasFree  bool
}

// Tracker owns the metadata records of one sanitizer runtime.
//
// Records are stored whole, so readers never observe a partially written
// record. Per-object exclusivity during alloc and free is provided by the
// allocator.
type Tracker struct {
	stacks StackSaver
	pid    func() int64
	skip   int

	alloc sync.Map // metadata address -> *AllocMeta
	free  sync.Map // metadata address -> *FreeMeta
}

// New returns a tracker. skip is the number of caller frames, above the
// Record* call, that belong to the sanitizer and are dropped from stacks.
func New(stacks StackSaver, pid func() int64, skip int) *Tracker {
	return &Tracker{stacks: stacks, pid: pid, skip: skip}
}

func (t *Tracker) stamp() Track {
	// +2: stamp and the Record* method.
	return Track{PID: t.pid(), Stack: t.stacks.Capture(2 + t.skip)}
}

func allocAddr(c *layout.Cache, obj uint64) uint64 {
	return obj + uint64(c.AllocMetaOffset)
}

func freeAddr(c *layout.Cache, obj uint64) uint64 {
	return obj + uint64(c.FreeMetaOffset)
}

// InitObject clears the allocation record of a freshly carved object.
func (t *Tracker) InitObject(c *layout.Cache, obj uint64) {
	if !c.HasAllocMeta() {
		return
	}
	t.alloc.Store(allocAddr(c, obj), &AllocMeta{})
}

// RecordAlloc stamps the allocation record of obj.
func (t *Tracker) RecordAlloc(c *layout.Cache, obj uint64) {
	if c.FreeMetaOffset == layout.InlineFreeMeta {
		// The object body belongs to the caller again.
		t.free.Delete(freeAddr(c, obj))
	}
	if !c.HasAllocMeta() {
		return
	}
	t.alloc.Store(allocAddr(c, obj), &AllocMeta{Alloc: t.stamp()})
}

// RecordFree stamps the free record of obj with the tag it had at free.
func (t *Tracker) RecordFree(c *layout.Cache, obj uint64, tg tag.Tag) {
	if !c.HasFreeMeta() {
		return
	}
	t.free.Store(freeAddr(c, obj), &FreeMeta{Free: t.stamp(), Tag: tg})
}

// RecordAuxStack remembers the current stack as the newest auxiliary stack
// of obj, for deferred work queued on its behalf.
func (t *Tracker) RecordAuxStack(c *layout.Cache, obj uint64) {
	if !c.HasAllocMeta() {
		return
	}
	addr := allocAddr(c, obj)
	stack := t.stacks.Capture(1 + t.skip)
	// Aux stacks come from any goroutine, so the update must not lose a
	// concurrent one.
	for {
		v, ok := t.alloc.Load(addr)
		var meta AllocMeta
		if ok {
			meta = *v.(*AllocMeta)
		}
		meta.Aux[1] = meta.Aux[0]
		meta.Aux[0] = stack
		if !ok {
			if _, loaded := t.alloc.LoadOrStore(addr, &meta); !loaded {
				return
			}
			continue
		}
		if t.alloc.CompareAndSwap(addr, v, &meta) {
			return
		}
	}
}

// MetadataFor returns the records stored for obj.
func (t *Tracker) MetadataFor(c *layout.Cache, obj uint64) Metadata {
	var md Metadata
	if c.HasAllocMeta() {
		if v, ok := t.alloc.Load(allocAddr(c, obj)); ok {
			md.Alloc, md.HasAlloc = *v.(*AllocMeta), true
		}
	}
	if c.HasFreeMeta() {
		if v, ok := t.free.Load(freeAddr(c, obj)); ok {
			md.Free, md.HasFree = *v.(*FreeMeta), true
		}
	}
	return md
}

// ForgetRange drops every record stored in [lo, hi), used when the backing
// pages go back to the page allocator.
func (t *Tracker) ForgetRange(lo, hi uint64) {
	drop := func(m *sync.Map) {
		m.Range(func(k, _ any) bool {
			if a := k.(uint64); a >= lo && a < hi {
				m.Delete(k)
			}
			return true
		})
	}
	drop(&t.alloc)
	drop(&t.free)
}
