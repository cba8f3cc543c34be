package slab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/sanitizer"
	"github.com/kolkov/slabsan/internal/san/tag"
)

type recHooks struct {
	mu         sync.Mutex
	allocPages []sanitizer.Page
	freePages  []sanitizer.Page
	slabs      int
	inits      int
	unpoisons  int
	poisons    int
}

func (h *recHooks) AllocPages(p sanitizer.Page) tag.Pointer {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocPages = append(h.allocPages, p)
	return tag.Pointer{Addr: p.Addr, Tag: 0x11}
}

func (h *recHooks) FreePages(p sanitizer.Page) {
	h.mu.Lock()
	h.freePages = append(h.freePages, p)
	h.mu.Unlock()
}

func (h *recHooks) PoisonSlab(sanitizer.Page) {
	h.mu.Lock()
	h.slabs++
	h.mu.Unlock()
}

func (h *recHooks) InitObject(_ *layout.Cache, obj tag.Pointer) tag.Pointer {
	h.mu.Lock()
	h.inits++
	h.mu.Unlock()
	return obj.WithTag(0x22)
}

func (h *recHooks) UnpoisonObjectData(*layout.Cache, tag.Pointer) {
	h.mu.Lock()
	h.unpoisons++
	h.mu.Unlock()
}

func (h *recHooks) PoisonObjectData(*layout.Cache, tag.Pointer) {
	h.mu.Lock()
	h.poisons++
	h.mu.Unlock()
}

func newAllocator(t *testing.T, cfg Config) (*Allocator, *recHooks) {
	t.Helper()
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	if cfg.MaxAllocSize == 0 {
		cfg.MaxAllocSize = 1 << 20
	}
	a, err := New(cfg)
	require.NoError(t, err)
	h := &recHooks{}
	a.Attach(h)
	return a, h
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{PageSize: 3000, MaxAllocSize: 1 << 20})
	assert.Error(t, err)
	_, err = New(Config{PageSize: 4096, MaxAllocSize: 1024})
	assert.Error(t, err)
}

func TestOrderFor(t *testing.T) {
	assert.Equal(t, 0, orderFor(1, 4096))
	assert.Equal(t, 0, orderFor(4096, 4096))
	assert.Equal(t, 1, orderFor(4097, 4096))
	assert.Equal(t, 2, orderFor(3*4096, 4096))
	assert.Equal(t, 3, orderFor(8*4096, 4096))
}

func TestCacheCarvesSlab(t *testing.T) {
	a, h := newAllocator(t, Config{Align: 16})
	lc := &layout.Cache{Name: "c", ObjectSize: 40, Size: 56}
	c, err := a.NewCache(lc)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), c.Stride())

	p0, err := c.Alloc()
	require.NoError(t, err)
	p1, err := c.Alloc()
	require.NoError(t, err)

	assert.Equal(t, DefaultBase, p0.Addr)
	assert.Equal(t, DefaultBase+64, p1.Addr)
	assert.Equal(t, tag.Tag(0x22), p0.Tag)
	assert.Equal(t, 2, c.Live())

	assert.Len(t, h.allocPages, 1)
	assert.Equal(t, 1, h.slabs)
	assert.Equal(t, 4096/64, h.inits)
	assert.Zero(t, h.unpoisons)

	c.Free(p1)
	again, err := c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, p1, again)
}

func TestConstructorRunsPerSlot(t *testing.T) {
	a, h := newAllocator(t, Config{})
	calls := 0
	lc := &layout.Cache{Name: "ctor", ObjectSize: 512, Size: 576, Ctor: func(tag.Pointer) { calls++ }}
	c, err := a.NewCache(lc)
	require.NoError(t, err)

	_, err = c.Alloc()
	require.NoError(t, err)
	assert.Equal(t, 8192/576, c.slots)
	assert.Equal(t, c.slots, calls)
	assert.Equal(t, calls, h.unpoisons)
	assert.Equal(t, calls, h.poisons)
}

func TestSlabOrderGrowsForLargeObjects(t *testing.T) {
	a, _ := newAllocator(t, Config{})
	c, err := a.NewCache(&layout.Cache{Name: "big", ObjectSize: 2048, Size: 2176})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, c.slots, minObjects)
	assert.Equal(t, 3, c.order)
}

func TestPageLookup(t *testing.T) {
	a, _ := newAllocator(t, Config{})
	lc := &layout.Cache{Name: "c", ObjectSize: 100, Size: 128}
	c, err := a.NewCache(lc)
	require.NoError(t, err)
	p, err := c.Alloc()
	require.NoError(t, err)

	pg, ok := a.PageOf(p.Addr + 300)
	require.True(t, ok)
	assert.Equal(t, lc, pg.Cache)

	start, ok := a.ObjectStart(pg, p.Addr+300)
	require.True(t, ok)
	assert.Equal(t, p.Addr+256, start)
	assert.Equal(t, 2, a.SlotIndex(pg, start))

	_, ok = a.PageOf(0x1000)
	assert.False(t, ok)
	_, ok = a.ObjectStart(pg, pg.Addr+pg.Size)
	assert.False(t, ok)

	got, ok := a.CacheOf(p)
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestLargeAllocations(t *testing.T) {
	a, h := newAllocator(t, Config{})
	p, err := a.AllocLarge(10000)
	require.NoError(t, err)
	assert.Equal(t, tag.Tag(0x11), p.Tag)
	assert.True(t, a.Large(p))

	pg, ok := a.PageOf(p.Addr + 9000)
	require.True(t, ok)
	assert.Nil(t, pg.Cache)
	assert.Equal(t, uint64(4*4096), pg.Size)
	start, ok := a.ObjectStart(pg, p.Addr+9000)
	require.True(t, ok)
	assert.Equal(t, p.Addr, start)
	assert.Equal(t, 4, a.Stats().Pages)

	require.NoError(t, a.FreeLarge(p))
	assert.Len(t, h.freePages, 1)
	assert.Zero(t, a.Stats().Pages)
	assert.ErrorIs(t, a.FreeLarge(p), ErrUnknown)

	_, err = a.AllocLarge(2 << 20)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestExternalPool(t *testing.T) {
	a, _ := newAllocator(t, Config{ExternalSlots: 2, ExternalEvery: 2})
	c, err := a.NewCache(&layout.Cache{Name: "c", ObjectSize: 32, Size: 48})
	require.NoError(t, err)

	var ext []tag.Pointer
	for i := 0; i < 6; i++ {
		p, err := c.Alloc()
		require.NoError(t, err)
		if a.IsExternal(p.Addr) {
			ext = append(ext, p)
		}
	}
	// Every second allocation until the two slots run out.
	require.Len(t, ext, 2)
	got, ok := a.CacheOf(ext[0])
	require.True(t, ok)
	assert.Same(t, c, got)

	c.Free(ext[0])
	_, ok = a.CacheOf(ext[0])
	assert.False(t, ok)
	assert.True(t, a.IsExternal(ext[0].Addr))
}

func TestReleaseAndDestroy(t *testing.T) {
	a, h := newAllocator(t, Config{})
	lc := &layout.Cache{Name: "c", ObjectSize: 64, Size: 96}
	c, err := a.NewCache(lc)
	require.NoError(t, err)

	p, err := c.Alloc()
	require.NoError(t, err)
	assert.ErrorIs(t, c.Destroy(), ErrCacheBusy)

	a.Release(lc, p)
	assert.Zero(t, c.Live())
	require.NoError(t, c.Destroy())
	assert.Len(t, h.freePages, 1)
	assert.Zero(t, a.Stats().Caches)
	assert.Zero(t, a.Stats().Pages)
}

func TestConcurrentAlloc(t *testing.T) {
	a, _ := newAllocator(t, Config{})
	c, err := a.NewCache(&layout.Cache{Name: "c", ObjectSize: 24, Size: 40})
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				p, err := c.Alloc()
				if err != nil {
					return err
				}
				mu.Lock()
				dup := seen[p.Addr]
				seen[p.Addr] = true
				mu.Unlock()
				if dup {
					t.Errorf("slot %x handed out twice", p.Addr)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 800, c.Live())
}
