package tag

import "github.com/kolkov/slabsan/internal/san/config"

// Request describes one tag decision.
type Request struct {
	// HasConstructor and TypesafeRCU are the identity-sensitive cache
	// traits. Objects of such caches must keep their tag across reuse.
	HasConstructor bool
	TypesafeRCU    bool

	// Current is the tag the object carries now.
	Current Tag

	// SlotIndex is the object's index within its slab page. Only read
	// when the assigner derives tags from slot indexes.
	SlotIndex int

	// Init is true for the first placement of an object into a fresh
	// slab, false for allocations.
	Init bool

	// Keep requests the current tag unchanged (resize of a live object).
	Keep bool
}

// identity picks tags for objects whose identity must survive reuse.
type identity interface {
	assign(src Source, r Request) Tag
}

// randomIdentity assigns a random tag at slab creation and reuses it.
type randomIdentity struct{}

func (randomIdentity) assign(src Source, r Request) Tag {
	if r.Init {
		return Random(src)
	}
	return r.Current
}

// indexIdentity derives the tag from the slot index so that neighbouring
// slots always differ. Used with allocators whose freelists hold slot
// indexes instead of pointers.
type indexIdentity struct{}

func (indexIdentity) assign(_ Source, r Request) Tag {
	return Tag(uint(r.SlotIndex) % (uint(Max) + 1))
}

// Assigner applies the process-wide tag policy.
type Assigner struct {
	mode     config.Mode
	src      Source
	identity identity
}

// NewAssigner returns an assigner for mode. indexedFreelist selects the
// slot-index strategy for identity-sensitive caches.
func NewAssigner(mode config.Mode, src Source, indexedFreelist bool) *Assigner {
	if src == nil {
		src = DefaultSource
	}
	a := &Assigner{mode: mode, src: src, identity: randomIdentity{}}
	if indexedFreelist {
		a.identity = indexIdentity{}
	}
	return a
}

// Indexed reports whether requests need SlotIndex filled in.
func (a *Assigner) Indexed() bool {
	_, ok := a.identity.(indexIdentity)
	return ok
}

// Random draws a fresh tag (match-all in generic mode).
func (a *Assigner) Random() Tag {
	if a.mode == config.ModeGeneric {
		return Kernel
	}
	return Random(a.src)
}

// Assign returns the tag for r.
//
// Policy, first match wins:
//  1. generic mode: Kernel
//  2. Keep: the current tag
//  3. plain cache: Kernel on init, random on allocation
//  4. constructor or RCU cache: identity strategy
func (a *Assigner) Assign(r Request) Tag {
	if a.mode == config.ModeGeneric {
		return Kernel
	}
	if r.Keep {
		return r.Current
	}
	if !r.HasConstructor && !r.TypesafeRCU {
		if r.Init {
			return Kernel
		}
		return Random(a.src)
	}
	return a.identity.assign(a.src, r)
}
