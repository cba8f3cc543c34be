package sanitizer

import (
	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/quarantine"
	"github.com/kolkov/slabsan/internal/san/report"
	"github.com/kolkov/slabsan/internal/san/shadow"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// SlabFree instruments the free of obj back to c.
//
// It returns true when the sanitizer kept ownership of the object, either
// because it was quarantined or because the free was refused as invalid.
// On false the allocator must reclaim the object itself.
func (s *Sanitizer) SlabFree(c *layout.Cache, obj tag.Pointer, callSite uintptr) bool {
	return s.slabFree(c, obj, callSite, true)
}

// FreeMempool instruments an object returned to a mempool. Page-backed
// elements must point at the first page and are poisoned as free pages;
// slab elements take the free path without quarantine.
func (s *Sanitizer) FreeMempool(ptr tag.Pointer, callSite uintptr) {
	addr := ptr.Canonical()
	pg, ok := s.alloc.PageOf(addr)
	if !ok {
		s.report(report.KindInvalidFree, ptr, 0, false, callSite)
		return
	}
	if pg.Cache == nil {
		if addr != pg.Addr {
			s.report(report.KindInvalidFree, ptr, 0, false, callSite)
			return
		}
		s.poison(pg.Addr, pg.Size, shadow.KindFreePage)
		return
	}
	s.slabFree(pg.Cache, ptr, callSite, false)
}

// KfreeLarge checks the free of a large allocation. The pages themselves
// are poisoned by FreePages. It returns true when the free was refused.
func (s *Sanitizer) KfreeLarge(ptr tag.Pointer, callSite uintptr) bool {
	pg, ok := s.alloc.PageOf(ptr.Canonical())
	if !ok || pg.Cache != nil || ptr.Canonical() != pg.Addr {
		s.report(report.KindInvalidFree, ptr, 0, false, callSite)
		return true
	}
	s.metrics.Free()
	return false
}

func (s *Sanitizer) slabFree(c *layout.Cache, obj tag.Pointer, callSite uintptr, quarantined bool) bool {
	addr := obj.Canonical()

	if s.alloc.IsExternal(addr) {
		s.metrics.Free()
		return false
	}

	pg, ok := s.alloc.PageOf(addr)
	if !ok || pg.Cache != c {
		s.report(report.KindInvalidFree, obj, 0, false, callSite)
		return true
	}
	if start, ok := s.alloc.ObjectStart(pg, addr); !ok || start != addr {
		s.report(report.KindInvalidFree, obj, 0, false, callSite)
		return true
	}

	// Freed RCU objects may still be read until the grace period ends.
	if c.TypesafeRCU() {
		s.metrics.Free()
		return false
	}

	if !s.shadow.Check(obj) {
		kind := report.KindInvalidFree
		if k, poisoned := s.shadow.Poisoned(addr); poisoned && (k == shadow.KindSlabFree || s.cfg.Mode == config.ModeTags) {
			kind = report.KindDoubleFree
		}
		s.report(kind, obj, 0, false, callSite)
		return true
	}

	s.metrics.Free()
	s.poison(addr, s.shadow.RoundUp(uint64(c.ObjectSize)), shadow.KindSlabFree)

	if !s.cfg.StackCollection {
		return false
	}
	// Mempool elements stay owned by the pool.
	if !quarantined {
		return false
	}

	s.tracker.RecordFree(c, addr, obj.Tag)
	return s.quarantine.Put(quarantine.Entry{Object: obj, Cache: c, Size: int64(c.Size)})
}
