// Package tag implements object tags and the policy that assigns them.
//
// A tag is a small integer attached to a pointer and to the memory it
// points at. In tag mode an access is valid only when both agree, which
// catches stale pointers into memory that has since been reused.
//
// Pointers carry their tag in an explicit field. Folding the tag into the
// top address byte is left to Pack and Unpack, which exist only for callers
// that need the packed single-word form.
package tag

import (
	"fmt"
	"math/rand"
)

// Tag identifies one logical use of a piece of memory.
type Tag uint8

const (
	// Kernel is the match-all tag. Pointers carrying it pass every check,
	// and generic mode assigns it to everything.
	Kernel Tag = 0xFF
	// Invalid marks poisoned memory in tag mode. No pointer is ever
	// assigned this tag.
	Invalid Tag = 0xFE
	// Max is the largest tag handed out by the random source.
	Max Tag = 0xFD
)

const (
	tagShift = 56
	topMask  = uint64(0xFF) << tagShift
)

// Pointer is an address plus the tag it was handed out with.
//
// Addr is always canonical (top byte all ones), so two pointers to the same
// byte compare equal on Addr regardless of tag.
type Pointer struct {
	Addr uint64
	Tag  Tag
}

// At returns a match-all pointer to addr.
func At(addr uint64) Pointer {
	return Pointer{Addr: addr, Tag: Kernel}
}

// Canonical returns the untagged address.
func (p Pointer) Canonical() uint64 {
	return p.Addr
}

// WithTag returns p retagged with t.
func (p Pointer) WithTag(t Tag) Pointer {
	p.Tag = t
	return p
}

// Add returns p advanced by n bytes, keeping its tag.
func (p Pointer) Add(n uint64) Pointer {
	p.Addr += n
	return p
}

// IsNil reports whether p is the zero pointer.
func (p Pointer) IsNil() bool {
	return p.Addr == 0
}

// String renders p in packed form, tag in the top byte.
func (p Pointer) String() string {
	return fmt.Sprintf("%016x", Pack(p))
}

// Pack folds the tag into the top byte of the address.
func Pack(p Pointer) uint64 {
	return p.Addr&^topMask | uint64(p.Tag)<<tagShift
}

// Unpack splits a packed word back into a canonical address and its tag.
func Unpack(v uint64) Pointer {
	return Pointer{Addr: v | topMask, Tag: Tag(v >> tagShift)}
}

// Matches reports whether an access through a pointer tagged ptr may touch
// memory tagged mem.
func Matches(ptr, mem Tag) bool {
	return ptr == Kernel || ptr == mem
}

// Source supplies random bytes for tag generation.
type Source interface {
	RandomByte() uint8
}

// SourceFunc adapts a function to Source.
type SourceFunc func() uint8

// RandomByte calls f.
func (f SourceFunc) RandomByte() uint8 { return f() }

// DefaultSource draws from math/rand's global generator, which is safe
// for concurrent use.
var DefaultSource Source = SourceFunc(func() uint8 { return uint8(rand.Uint32()) })

// Random draws a tag from src in [0, Max].
func Random(src Source) Tag {
	return Tag(src.RandomByte() % (uint8(Max) + 1))
}
