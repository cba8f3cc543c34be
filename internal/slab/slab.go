// Package slab is a small slab allocator over a simulated address space.
//
// It exists so the sanitizer can be exercised end to end: caches carve
// page runs into fixed-size slots, large requests get whole page runs, and
// a tiny external pool stands in for allocations served outside the slab
// layer. Addresses are virtual; no memory is ever touched.
//
// The allocator implements sanitizer.Allocator and calls back into a Hooks
// implementation (normally the sanitizer) whenever pages change hands or a
// fresh slab is carved.
package slab

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/sanitizer"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// DefaultBase is the first address handed out. Its top byte is all ones,
// so addresses are canonical for tagging.
const DefaultBase = uint64(0xffff888000000000)

// maxOrder bounds the page runs of one slab.
const maxOrder = 10

// minObjects is the slot count a slab aims for before its order grows.
const minObjects = 8

// Errors returned by the allocator.
var (
	ErrTooLarge     = errors.New("slab: allocation too large")
	ErrUnknown      = errors.New("slab: unknown pointer")
	ErrCacheBusy    = errors.New("slab: cache has live objects")
	ErrCacheUnknown = errors.New("slab: unknown cache")
)

// Hooks are the sanitizer touchpoints the allocator drives itself.
type Hooks interface {
	AllocPages(sanitizer.Page) tag.Pointer
	FreePages(sanitizer.Page)
	PoisonSlab(sanitizer.Page)
	InitObject(c *layout.Cache, obj tag.Pointer) tag.Pointer
	UnpoisonObjectData(c *layout.Cache, obj tag.Pointer)
	PoisonObjectData(c *layout.Cache, obj tag.Pointer)
}

type nopHooks struct{}

func (nopHooks) AllocPages(p sanitizer.Page) tag.Pointer                 { return tag.At(p.Addr) }
func (nopHooks) FreePages(sanitizer.Page)                                {}
func (nopHooks) PoisonSlab(sanitizer.Page)                               {}
func (nopHooks) InitObject(_ *layout.Cache, obj tag.Pointer) tag.Pointer { return obj }
func (nopHooks) UnpoisonObjectData(*layout.Cache, tag.Pointer)           {}
func (nopHooks) PoisonObjectData(*layout.Cache, tag.Pointer)             {}

// Config sizes the allocator.
type Config struct {
	PageSize     int
	MaxAllocSize int
	// Align is the slot alignment, at least the shadow granule.
	Align int
	// Base is the first address of the slab area. Zero means DefaultBase.
	Base uint64
	// ExternalSlots is the number of slots in the external pool, and
	// ExternalEvery routes every n-th cache allocation to it. Zero disables
	// the pool.
	ExternalSlots int
	ExternalEvery int
	// IndexedFreelist advertises slot-index freelists to the sanitizer.
	IndexedFreelist bool
}

// run is a contiguous group of pages handed out together.
type run struct {
	page   sanitizer.Page
	cache  *Cache // nil for large allocations
	stride uint64
	slots  int
}

// Allocator owns the simulated address space.
type Allocator struct {
	cfg   Config
	hooks Hooks

	mu     sync.RWMutex
	next   uint64
	runs   map[uint64]*run // page number -> run covering it
	caches map[*layout.Cache]*Cache
	pages  int

	ext *external // nil when disabled
}

// New returns an allocator for cfg.
func New(cfg Config) (*Allocator, error) {
	if cfg.PageSize <= 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, errors.Newf("slab: page size %d is not a power of two", cfg.PageSize)
	}
	if cfg.MaxAllocSize < cfg.PageSize {
		return nil, errors.Newf("slab: max allocation %d below page size %d", cfg.MaxAllocSize, cfg.PageSize)
	}
	if cfg.Align <= 0 {
		cfg.Align = 8
	}
	if cfg.Base == 0 {
		cfg.Base = DefaultBase
	}
	a := &Allocator{
		cfg:    cfg,
		hooks:  nopHooks{},
		next:   cfg.Base,
		runs:   make(map[uint64]*run),
		caches: make(map[*layout.Cache]*Cache),
	}
	if cfg.ExternalSlots > 0 {
		a.ext = newExternal(a.reserve(uint64(cfg.ExternalSlots)*uint64(cfg.PageSize)), cfg.ExternalSlots, uint64(cfg.PageSize), cfg.ExternalEvery)
	}
	return a, nil
}

// Attach sets the hooks. It must be called before the first allocation.
func (a *Allocator) Attach(h Hooks) {
	if h == nil {
		h = nopHooks{}
	}
	a.hooks = h
}

// MaxAllocSize implements sanitizer.Allocator.
func (a *Allocator) MaxAllocSize() int { return a.cfg.MaxAllocSize }

// IndexedFreelist implements sanitizer.Allocator.
func (a *Allocator) IndexedFreelist() bool { return a.cfg.IndexedFreelist }

// PageOf implements sanitizer.Allocator.
func (a *Allocator) PageOf(addr uint64) (sanitizer.Page, bool) {
	r := a.lookup(addr)
	if r == nil {
		return sanitizer.Page{}, false
	}
	return r.page, true
}

// ObjectStart implements sanitizer.Allocator. Large runs hold a single
// object starting at the first page.
func (a *Allocator) ObjectStart(p sanitizer.Page, addr uint64) (uint64, bool) {
	if !p.Contains(addr) {
		return 0, false
	}
	r := a.lookup(p.Addr)
	if r == nil {
		return 0, false
	}
	if r.cache == nil {
		return p.Addr, true
	}
	idx := (addr - p.Addr) / r.stride
	if idx >= uint64(r.slots) {
		return 0, false
	}
	return p.Addr + idx*r.stride, true
}

// SlotIndex implements sanitizer.Allocator.
func (a *Allocator) SlotIndex(p sanitizer.Page, obj uint64) int {
	r := a.lookup(p.Addr)
	if r == nil || r.cache == nil || !p.Contains(obj) {
		return 0
	}
	return int((obj - p.Addr) / r.stride)
}

// IsExternal implements sanitizer.Allocator.
func (a *Allocator) IsExternal(addr uint64) bool {
	return a.ext.contains(addr)
}

// Release implements sanitizer.Allocator: a quarantined object goes back
// on its cache's freelist.
func (a *Allocator) Release(lc *layout.Cache, obj tag.Pointer) {
	a.mu.RLock()
	c := a.caches[lc]
	a.mu.RUnlock()
	if c != nil {
		c.push(obj)
	}
}

// Stats counts allocator resources.
type Stats struct {
	Pages  int
	Caches int
}

// Stats returns current resource counts.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{Pages: a.pages, Caches: len(a.caches)}
}

// AllocLarge serves size bytes straight from whole pages.
func (a *Allocator) AllocLarge(size int) (tag.Pointer, error) {
	if size <= 0 || size > a.cfg.MaxAllocSize {
		return tag.Pointer{}, errors.Wrapf(ErrTooLarge, "large allocation of %d bytes", size)
	}
	r := a.newRun(orderFor(uint64(size), uint64(a.cfg.PageSize)), nil, 0, 0)
	return a.hooks.AllocPages(r.page), nil
}

// FreeLarge returns the pages of a large allocation.
func (a *Allocator) FreeLarge(ptr tag.Pointer) error {
	r := a.lookup(ptr.Canonical())
	if r == nil || r.cache != nil {
		return errors.Wrapf(ErrUnknown, "free large %s", ptr)
	}
	a.freeRun(r)
	return nil
}

// Large reports whether ptr points into a large allocation.
func (a *Allocator) Large(ptr tag.Pointer) bool {
	r := a.lookup(ptr.Canonical())
	return r != nil && r.cache == nil
}

// CacheOf returns the cache whose slab holds ptr.
func (a *Allocator) CacheOf(ptr tag.Pointer) (*Cache, bool) {
	if c := a.ext.owner(ptr.Canonical()); c != nil {
		return c, true
	}
	r := a.lookup(ptr.Canonical())
	if r == nil || r.cache == nil {
		return nil, false
	}
	return r.cache, true
}

func (a *Allocator) lookup(addr uint64) *run {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runs[addr/uint64(a.cfg.PageSize)]
}

// reserve bumps the address space by size bytes.
func (a *Allocator) reserve(size uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next += size
	return addr
}

func (a *Allocator) newRun(order int, c *Cache, stride uint64, slots int) *run {
	size := uint64(a.cfg.PageSize) << order
	addr := a.reserve(size)
	r := &run{
		page:   sanitizer.Page{Addr: addr, Size: size},
		cache:  c,
		stride: stride,
		slots:  slots,
	}
	if c != nil {
		r.page.Cache = c.layout
	}

	a.mu.Lock()
	for pn := addr / uint64(a.cfg.PageSize); pn < (addr+size)/uint64(a.cfg.PageSize); pn++ {
		a.runs[pn] = r
	}
	a.pages += 1 << order
	a.mu.Unlock()
	return r
}

func (a *Allocator) freeRun(r *run) {
	a.hooks.FreePages(r.page)
	a.mu.Lock()
	for pn := r.page.Addr / uint64(a.cfg.PageSize); pn < (r.page.Addr+r.page.Size)/uint64(a.cfg.PageSize); pn++ {
		delete(a.runs, pn)
	}
	a.pages -= int(r.page.Size / uint64(a.cfg.PageSize))
	a.mu.Unlock()
}

// orderFor returns the smallest order whose run holds size bytes.
func orderFor(size, pageSize uint64) int {
	pages := (size + pageSize - 1) / pageSize
	if pages <= 1 {
		return 0
	}
	return bits.Len64(pages - 1)
}
