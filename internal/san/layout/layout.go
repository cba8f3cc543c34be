// Package layout decides where per-object metadata lives and how large the
// redzone behind each object is.
//
// The planner runs exactly once per cache, before the cache is visible to
// any allocation, and only ever grows the padded object size. Metadata
// that would push the size past the allocator ceiling is dropped rather
// than failing cache creation.
package layout

import (
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/tag"
)

const (
	// TrackSize is the footprint of one {pid, stack handle} record.
	TrackSize = 8
	// AllocMetaSize is the footprint of the allocation record: the
	// allocation track plus two auxiliary stack handles.
	AllocMetaSize = TrackSize + 2*4
	// FreeMetaSize is the footprint of the free record: a quarantine link
	// plus the free track.
	FreeMetaSize = 8 + TrackSize

	// NoAllocMeta is the AllocMetaOffset of caches without an allocation
	// record. Offset 0 is never a valid placement since the record always
	// follows the object.
	NoAllocMeta = 0
	// InlineFreeMeta is the FreeMetaOffset of caches that keep the free
	// record inside the freed object body.
	InlineFreeMeta = 0
	// NoFreeMeta is the FreeMetaOffset of caches with free metadata
	// collection disabled.
	NoFreeMeta = -1
)

// Flags are cache behaviour bits.
type Flags uint32

const (
	// FlagTypesafeRCU marks caches whose freed objects may still be read
	// until an RCU grace period ends.
	FlagTypesafeRCU Flags = 1 << iota
	// FlagSanitized marks caches instrumented by the sanitizer.
	FlagSanitized
)

// Cache describes one object class.
//
// Name, ObjectSize, Ctor and Flags are supplied by the allocator. Size,
// AllocMetaOffset and FreeMetaOffset are written by Planner.Plan at
// creation and read-only afterwards.
type Cache struct {
	Name       string
	ObjectSize int
	Ctor       func(tag.Pointer)
	Flags      Flags

	// Size is the padded slot size, at least ObjectSize.
	Size int

	AllocMetaOffset int
	FreeMetaOffset  int
}

// HasConstructor reports whether objects are constructed at slab creation.
func (c *Cache) HasConstructor() bool {
	return c.Ctor != nil
}

// TypesafeRCU reports whether FlagTypesafeRCU is set.
func (c *Cache) TypesafeRCU() bool {
	return c.Flags&FlagTypesafeRCU != 0
}

// HasAllocMeta reports whether an allocation record is reserved.
func (c *Cache) HasAllocMeta() bool {
	return c.AllocMetaOffset != NoAllocMeta
}

// HasFreeMeta reports whether a free record is reserved, inline or not.
func (c *Cache) HasFreeMeta() bool {
	return c.FreeMetaOffset != NoFreeMeta
}

// Redzone returns the padding behind the object.
func (c *Cache) Redzone() int {
	return c.Size - c.ObjectSize
}

// redzoneTiers maps tier ceilings to redzone widths. A size belongs to the
// first tier whose ceiling minus redzone it does not exceed.
var redzoneTiers = [...]struct{ limit, redzone int }{
	{64, 16},
	{128, 32},
	{512, 64},
	{4096, 128},
	{1 << 14, 256},
	{1 << 15, 512},
}

const largestRedzone = 1024

// OptimalRedzone returns the redzone width for an object of size bytes.
// Larger objects get proportionally larger redzones.
func OptimalRedzone(size int) int {
	for _, t := range redzoneTiers {
		if size <= t.limit-t.redzone {
			return t.redzone
		}
	}
	return largestRedzone
}

// Planner computes cache layouts.
type Planner struct {
	mode            config.Mode
	stackCollection bool
	maxAllocSize    int
	logger          *slog.Logger
}

// NewPlanner returns a planner for cfg. A nil logger discards.
func NewPlanner(cfg config.Config, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{
		mode:            cfg.Mode,
		stackCollection: cfg.StackCollection,
		maxAllocSize:    cfg.MaxAllocSize,
		logger:          logger,
	}
}

// Plan fills in c's padded size and metadata offsets.
//
// The allocator may pre-set c.Size to an aligned size; Plan only grows it.
func (p *Planner) Plan(c *Cache) error {
	if c.ObjectSize <= 0 {
		return errors.Newf("layout: cache %q has object size %d", c.Name, c.ObjectSize)
	}
	if c.ObjectSize > p.maxAllocSize {
		return errors.Newf("layout: cache %q object size %d exceeds max allocation %d",
			c.Name, c.ObjectSize, p.maxAllocSize)
	}

	c.Flags |= FlagSanitized
	c.Size = max(c.Size, c.ObjectSize)
	c.AllocMetaOffset = NoAllocMeta
	c.FreeMetaOffset = NoFreeMeta

	if p.stackCollection {
		p.planAllocMeta(c)
		// Only generic mode keeps free records.
		if p.mode == config.ModeGeneric {
			p.planFreeMeta(c)
		}
	}

	optimal := min(c.ObjectSize+OptimalRedzone(c.ObjectSize), p.maxAllocSize)
	if c.Size < optimal {
		c.Size = optimal
	}

	p.logger.Debug("cache planned",
		"cache", c.Name,
		"object_size", humanize.IBytes(uint64(c.ObjectSize)),
		"padded_size", humanize.IBytes(uint64(c.Size)),
		"alloc_meta", c.AllocMetaOffset,
		"free_meta", c.FreeMetaOffset,
	)
	return nil
}

// planAllocMeta reserves the allocation record straight after the object.
func (p *Planner) planAllocMeta(c *Cache) {
	okSize := c.Size
	c.AllocMetaOffset = c.Size
	c.Size += AllocMetaSize
	if c.Size > p.maxAllocSize {
		c.AllocMetaOffset = NoAllocMeta
		c.Size = okSize
		p.logger.Debug("alloc metadata disabled", "cache", c.Name, "object_size", c.ObjectSize)
	}
}

// planFreeMeta reserves a free record in the redzone when the freed object
// body cannot hold it: RCU objects may still be read after free, constructed
// objects must keep their contents, and small objects are too short.
func (p *Planner) planFreeMeta(c *Cache) {
	if !c.TypesafeRCU() && !c.HasConstructor() && c.ObjectSize >= FreeMetaSize {
		c.FreeMetaOffset = InlineFreeMeta
		return
	}
	okSize := c.Size
	c.FreeMetaOffset = c.Size
	c.Size += FreeMetaSize
	if c.Size > p.maxAllocSize {
		c.FreeMetaOffset = NoFreeMeta
		c.Size = okSize
		p.logger.Debug("free metadata disabled", "cache", c.Name, "object_size", c.ObjectSize)
	}
}

// MetadataSize returns the bytes of metadata reserved outside the object.
func (p *Planner) MetadataSize(c *Cache) int {
	if !p.stackCollection {
		return 0
	}
	n := 0
	if c.HasAllocMeta() {
		n += AllocMetaSize
	}
	if c.FreeMetaOffset > 0 {
		n += FreeMetaSize
	}
	return n
}

// NeverMerge returns the flags that forbid merging caches. Caches carrying
// metadata cannot share slabs with differently laid out caches.
func (p *Planner) NeverMerge() Flags {
	if p.stackCollection {
		return FlagSanitized
	}
	return 0
}

// Mergeable reports whether c may be merged with a compatible cache.
func (p *Planner) Mergeable(c *Cache) bool {
	return c.Flags&p.NeverMerge() == 0
}
