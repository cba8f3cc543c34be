package slab

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/slabsan/internal/san/tag"
)

// external is a fixed pool of page-sized slots that sampled allocations
// are diverted to. The sanitizer leaves its addresses alone.
type external struct {
	base  uint64
	slot  uint64
	n     int
	every uint64

	count atomic.Uint64

	mu     sync.Mutex
	free   []uint64
	owners map[uint64]*Cache
}

func newExternal(base uint64, n int, slot uint64, every int) *external {
	e := &external{
		base:   base,
		slot:   slot,
		n:      n,
		every:  uint64(max(every, 0)),
		owners: make(map[uint64]*Cache, n),
	}
	for i := n - 1; i >= 0; i-- {
		e.free = append(e.free, base+uint64(i)*slot)
	}
	return e
}

func (e *external) contains(addr uint64) bool {
	return e != nil && addr >= e.base && addr < e.base+uint64(e.n)*e.slot
}

// alloc diverts every n-th allocation of c to the pool while it has room.
func (e *external) alloc(c *Cache) (tag.Pointer, bool) {
	if e == nil || e.every == 0 || c.stride > e.slot {
		return tag.Pointer{}, false
	}
	if e.count.Add(1)%e.every != 0 {
		return tag.Pointer{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.free) == 0 {
		return tag.Pointer{}, false
	}
	addr := e.free[len(e.free)-1]
	e.free = e.free[:len(e.free)-1]
	e.owners[addr] = c
	return tag.At(addr), true
}

// release takes addr back. It returns false for addresses outside the pool.
func (e *external) release(addr uint64) bool {
	if !e.contains(addr) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.owners[addr]; ok {
		delete(e.owners, addr)
		e.free = append(e.free, addr)
	}
	return true
}

func (e *external) owner(addr uint64) *Cache {
	if !e.contains(addr) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owners[addr]
}
