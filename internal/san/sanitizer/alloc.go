package sanitizer

import (
	"github.com/cockroachdb/errors"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/shadow"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// AllocPages gives a fresh run of pages one random tag and makes it
// accessible. It returns the tagged pointer to the first page.
func (s *Sanitizer) AllocPages(p Page) tag.Pointer {
	ptr := tag.Pointer{Addr: p.Addr, Tag: s.tags.Random()}
	s.unpoison(ptr, p.Size)
	return ptr
}

// FreePages poisons pages going back to the page allocator and forgets the
// metadata stored in them.
func (s *Sanitizer) FreePages(p Page) {
	s.poison(p.Addr, p.Size, shadow.KindFreePage)
	s.tracker.ForgetRange(p.Addr, p.Addr+p.Size)
}

// PoisonSlab poisons a page that was just turned into a slab. Objects
// become accessible one by one as they are allocated.
func (s *Sanitizer) PoisonSlab(p Page) {
	s.poison(p.Addr, p.Size, shadow.KindSlabRedzone)
}

// UnpoisonObjectData opens the object body, for running a constructor.
func (s *Sanitizer) UnpoisonObjectData(c *layout.Cache, obj tag.Pointer) {
	s.unpoison(obj, uint64(c.ObjectSize))
}

// PoisonObjectData closes the object body again after a constructor ran.
func (s *Sanitizer) PoisonObjectData(c *layout.Cache, obj tag.Pointer) {
	s.poison(obj.Canonical(), s.shadow.RoundUp(uint64(c.ObjectSize)), shadow.KindSlabRedzone)
}

// InitObject prepares a slot carved from a fresh slab: it clears the
// allocation record and assigns the object's first tag.
func (s *Sanitizer) InitObject(c *layout.Cache, obj tag.Pointer) tag.Pointer {
	if s.cfg.StackCollection {
		s.tracker.InitObject(c, obj.Canonical())
	}
	return obj.WithTag(s.assignTag(c, obj, true, false))
}

// SlabAlloc instruments an allocation of a whole object from c.
func (s *Sanitizer) SlabAlloc(c *layout.Cache, obj tag.Pointer, flags Flags) tag.Pointer {
	return s.kmalloc(c, obj, uint64(c.ObjectSize), flags, false)
}

// Kmalloc instruments an allocation of size bytes from c. Only size bytes
// become accessible; the rest of the slot up to the padded size is
// poisoned as redzone.
func (s *Sanitizer) Kmalloc(c *layout.Cache, obj tag.Pointer, size int, flags Flags) tag.Pointer {
	return s.kmalloc(c, obj, uint64(size), flags, false)
}

func (s *Sanitizer) kmalloc(c *layout.Cache, obj tag.Pointer, size uint64, flags Flags, keep bool) tag.Pointer {
	if flags&MayBlock != 0 {
		s.quarantine.Reduce()
	}
	if obj.IsNil() || s.alloc.IsExternal(obj.Canonical()) {
		return obj
	}

	p := obj.WithTag(s.assignTag(c, obj, false, keep))
	start := p.Canonical()
	redzone := start + s.shadow.RoundUp(size)
	end := start + uint64(c.Size)

	s.unpoison(p, size)
	if end > redzone {
		s.poison(redzone, end-redzone, shadow.KindSlabRedzone)
	}
	if s.cfg.StackCollection {
		s.tracker.RecordAlloc(c, start)
	}
	s.metrics.Alloc()
	return p
}

// KmallocLarge instruments an allocation served straight from the page
// allocator. The redzone extends to the end of the backing pages.
func (s *Sanitizer) KmallocLarge(ptr tag.Pointer, size int, flags Flags) tag.Pointer {
	if flags&MayBlock != 0 {
		s.quarantine.Reduce()
	}
	if ptr.IsNil() {
		return ptr
	}
	pg, ok := s.alloc.PageOf(ptr.Canonical())
	if !ok {
		return ptr
	}

	redzone := ptr.Canonical() + s.shadow.RoundUp(uint64(size))
	end := pg.Addr + pg.Size
	s.unpoison(ptr, uint64(size))
	if end > redzone {
		s.poison(redzone, end-redzone, shadow.KindPageRedzone)
	}
	s.metrics.Alloc()
	return ptr
}

// Krealloc re-derives the accessible range of a live allocation for
// newSize, keeping its tag. It fails when newSize exceeds the allocator's
// limit or, for slab objects, the object size of the cache.
//
// A ptr whose first byte is not accessible is reported as an invalid free
// and refused with ErrInvalidFree; its shadow is left as it was.
func (s *Sanitizer) Krealloc(ptr tag.Pointer, newSize int, flags Flags, callSite uintptr) (tag.Pointer, error) {
	if newSize > s.cfg.MaxAllocSize {
		return ptr, errors.Wrapf(ErrTooLarge, "krealloc to %d bytes (max %d)", newSize, s.cfg.MaxAllocSize)
	}
	if ptr.IsNil() {
		return ptr, nil
	}
	if !s.CheckByte(ptr, callSite) {
		if s.quarantine.Contains(ptr.Canonical()) {
			return ptr, errors.Wrapf(ErrInvalidFree, "krealloc of freed object %s", ptr)
		}
		return ptr, errors.Wrapf(ErrInvalidFree, "krealloc of %s", ptr)
	}
	pg, ok := s.alloc.PageOf(ptr.Canonical())
	if !ok {
		return ptr, errors.Newf("sanitizer: krealloc of unknown pointer %s", ptr)
	}
	if pg.Cache == nil {
		if uint64(newSize) > pg.Size-(ptr.Canonical()-pg.Addr) {
			return ptr, errors.Wrapf(ErrTooLarge, "krealloc to %d bytes in %d-byte pages", newSize, pg.Size)
		}
		return s.KmallocLarge(ptr, newSize, flags), nil
	}
	if newSize > pg.Cache.ObjectSize {
		return ptr, errors.Wrapf(ErrTooLarge, "krealloc to %d bytes in cache %s of size %d",
			newSize, pg.Cache.Name, pg.Cache.ObjectSize)
	}
	return s.kmalloc(pg.Cache, ptr, uint64(newSize), flags, true), nil
}

// RecordAuxStack remembers the current stack as related work of the object
// containing ptr, for example a deferred callback queued on its behalf.
// Only generic mode keeps auxiliary stacks.
func (s *Sanitizer) RecordAuxStack(ptr tag.Pointer) {
	if s.cfg.Mode != config.ModeGeneric || !s.cfg.StackCollection {
		return
	}
	addr := ptr.Canonical()
	if s.alloc.IsExternal(addr) {
		return
	}
	pg, ok := s.alloc.PageOf(addr)
	if !ok || pg.Cache == nil {
		return
	}
	obj, ok := s.alloc.ObjectStart(pg, addr)
	if !ok {
		return
	}
	s.tracker.RecordAuxStack(pg.Cache, obj)
}
