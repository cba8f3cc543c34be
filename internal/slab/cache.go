package slab

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// Cache hands out slots of one planned layout.
type Cache struct {
	a      *Allocator
	layout *layout.Cache
	stride uint64
	order  int
	slots  int

	mu    sync.Mutex
	free  []tag.Pointer // LIFO
	slabs []*run
	live  int
}

// NewCache registers a cache for lc, whose layout must already be planned.
func (a *Allocator) NewCache(lc *layout.Cache) (*Cache, error) {
	if lc.Size < lc.ObjectSize || lc.ObjectSize <= 0 {
		return nil, errors.Newf("slab: cache %q has no layout", lc.Name)
	}
	align := uint64(a.cfg.Align)
	stride := (uint64(lc.Size) + align - 1) &^ (align - 1)
	if stride > uint64(a.cfg.MaxAllocSize) {
		return nil, errors.Wrapf(ErrTooLarge, "cache %q slot of %d bytes", lc.Name, stride)
	}

	pageSize := uint64(a.cfg.PageSize)
	order := orderFor(stride, pageSize)
	for order < maxOrder && (pageSize<<order)/stride < minObjects {
		order++
	}

	c := &Cache{
		a:      a,
		layout: lc,
		stride: stride,
		order:  order,
		slots:  int((pageSize << order) / stride),
	}
	a.mu.Lock()
	a.caches[lc] = c
	a.mu.Unlock()
	return c, nil
}

// Layout returns the planned layout of c.
func (c *Cache) Layout() *layout.Cache { return c.layout }

// Stride is the distance between slots.
func (c *Cache) Stride() uint64 { return c.stride }

// Live returns the number of objects handed out and not yet reclaimed.
func (c *Cache) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Alloc takes a slot off the freelist, carving a new slab when it is
// empty. The pointer carries the tag the slot was last given.
func (c *Cache) Alloc() (tag.Pointer, error) {
	if p, ok := c.a.ext.alloc(c); ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		c.grow()
	}
	n := len(c.free) - 1
	p := c.free[n]
	c.free = c.free[:n]
	c.live++
	return p, nil
}

// Free puts obj back on the freelist immediately.
func (c *Cache) Free(obj tag.Pointer) {
	if c.a.ext.release(obj.Canonical()) {
		return
	}
	c.push(obj)
}

func (c *Cache) push(obj tag.Pointer) {
	c.mu.Lock()
	c.free = append(c.free, obj)
	c.live--
	c.mu.Unlock()
}

// grow carves a fresh slab. Called with c.mu held.
func (c *Cache) grow() {
	r := c.a.newRun(c.order, c, c.stride, c.slots)
	h := c.a.hooks
	h.AllocPages(r.page)
	h.PoisonSlab(r.page)

	objs := make([]tag.Pointer, c.slots)
	for i := range objs {
		p := h.InitObject(c.layout, tag.At(r.page.Addr+uint64(i)*c.stride))
		if c.layout.Ctor != nil {
			h.UnpoisonObjectData(c.layout, p)
			c.layout.Ctor(p)
			h.PoisonObjectData(c.layout, p)
		}
		objs[i] = p
	}
	// Lowest address on top.
	for i := len(objs) - 1; i >= 0; i-- {
		c.free = append(c.free, objs[i])
	}
	c.slabs = append(c.slabs, r)
}

// Destroy returns every slab of c to the page allocator. It fails while
// objects are still live; quarantined objects must be released first.
func (c *Cache) Destroy() error {
	c.mu.Lock()
	if c.live > 0 {
		live := c.live
		c.mu.Unlock()
		return errors.Wrapf(ErrCacheBusy, "cache %q: %d objects", c.layout.Name, live)
	}
	slabs := c.slabs
	c.slabs, c.free = nil, nil
	c.mu.Unlock()

	for _, r := range slabs {
		c.a.freeRun(r)
	}
	c.a.mu.Lock()
	delete(c.a.caches, c.layout)
	c.a.mu.Unlock()
	return nil
}
