// Package shadow implements the shadow memory table of the sanitizer.
//
// Shadow memory records, for every granule of tracked address space,
// whether the bytes of that granule may be accessed. It is the leaf
// primitive every other component builds on: allocation unpoisons the
// requested bytes and poisons the redzone behind them, free poisons the
// whole object, and access checks read the table back.
//
// # Encodings
//
// Generic mode uses 8-byte granules. A shadow byte of 0 means the whole
// granule is accessible, a value k in 1..7 means only the first k bytes
// are, and a value with the high bit set names the reason the granule is
// poisoned (see Kind).
//
// Tag mode uses 16-byte granules and stores the memory tag of each
// granule instead. Poisoned granules hold tag.Invalid. An access is valid
// when the pointer tag is the match-all tag or equals the memory tag.
//
// # Storage
//
// The table is split into shadow pages of 4096 granules created on first
// touch through sync.Map.LoadOrStore, so untouched address space costs
// nothing. A fresh generic page reads as fully accessible; a fresh tag
// page reads as tag.Kernel.
//
// # Thread Safety
//
// Page creation is safe for concurrent use. Writes to disjoint ranges may
// proceed concurrently; callers must not poison and unpoison overlapping
// ranges at the same time. The allocator's per-object exclusivity already
// guarantees that.
package shadow
