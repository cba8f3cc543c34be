// Package sanitizer wires shadow memory, cache layout, tags, metadata
// records and the quarantine around the touchpoints of a slab allocator.
//
// A Sanitizer is an explicit context object: create it with New before the
// first allocation, call its hooks from the allocator, and Close it on
// shutdown. Nothing in this package is process-global, so several
// sanitizers (for example one per test) can coexist.
//
// Allocator touchpoints:
//
//	cache creation   CreateCache
//	new slab page    PoisonSlab, InitObject, Unpoison/PoisonObjectData
//	allocation       SlabAlloc, Kmalloc, KmallocLarge, Krealloc
//	free             SlabFree, FreeMempool, KfreeLarge
//	page allocator   AllocPages, FreePages
//
// Violations are detected on free and by the explicit access checks
// (CheckAccess, CheckByte), and are handed to a report.Reporter.
package sanitizer

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/metrics"
	"github.com/kolkov/slabsan/internal/san/quarantine"
	"github.com/kolkov/slabsan/internal/san/report"
	"github.com/kolkov/slabsan/internal/san/shadow"
	"github.com/kolkov/slabsan/internal/san/stackdepot"
	"github.com/kolkov/slabsan/internal/san/tag"
	"github.com/kolkov/slabsan/internal/san/task"
	"github.com/kolkov/slabsan/internal/san/track"
)

// ErrClosed is returned by Close on a sanitizer that is already closed.
var ErrClosed = errors.New("sanitizer: closed")

// ErrTooLarge is returned when a resize exceeds what the allocator or the
// object can hold.
var ErrTooLarge = errors.New("sanitizer: allocation too large")

// ErrInvalidFree is returned when a resize is asked of a pointer that does
// not reference a live allocation, such as an object already freed.
var ErrInvalidFree = errors.New("sanitizer: pointer is not a live allocation")

// Page describes the pages backing an address.
type Page struct {
	// Addr is the first byte of the (compound) page.
	Addr uint64
	// Size is the number of bytes the page spans.
	Size uint64
	// Cache is the slab cache carved from the page, or nil when the page
	// backs a large allocation.
	Cache *layout.Cache
}

// Contains reports whether addr lies within p.
func (p Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.Addr+p.Size
}

// Allocator is the slab allocator the sanitizer instruments.
type Allocator interface {
	// PageOf returns the page holding addr.
	PageOf(addr uint64) (Page, bool)
	// ObjectStart returns the start of the slot of p that contains addr.
	ObjectStart(p Page, addr uint64) (uint64, bool)
	// SlotIndex returns the index of the object at obj within p.
	SlotIndex(p Page, obj uint64) int
	// IsExternal reports whether addr is served by a pool the sanitizer
	// does not manage.
	IsExternal(addr uint64) bool
	// Release returns an object evicted from quarantine to its cache.
	Release(c *layout.Cache, obj tag.Pointer)
	// MaxAllocSize is the largest size a cache slot may have.
	MaxAllocSize() int
	// IndexedFreelist reports whether freelists hold slot indexes, which
	// makes identity-sensitive caches derive tags from slot indexes.
	IndexedFreelist() bool
}

// Flags qualify an allocation request.
type Flags uint

const (
	// MayBlock marks requests that are allowed to block. The quarantine is
	// given a chance to shrink before such allocations.
	MayBlock Flags = 1 << iota
)

// Deps are the collaborators of a Sanitizer. Only Allocator is required.
type Deps struct {
	Allocator Allocator
	// Stacks captures stacks for metadata and reports. Defaults to a fresh
	// stackdepot.Depot.
	Stacks track.StackSaver
	// PID identifies the current task. Defaults to task.ID.
	PID func() int64
	// Random feeds tag generation. Defaults to tag.DefaultSource.
	Random tag.Source
	// Reporter receives violations. Defaults to a report.Printer on
	// stderr.
	Reporter report.Reporter
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Sanitizer is the runtime state of one instrumented allocator.
type Sanitizer struct {
	cfg   config.Config
	alloc Allocator

	shadow     *shadow.Memory
	planner    *layout.Planner
	tags       *tag.Assigner
	tracker    *track.Tracker
	quarantine *quarantine.Quarantine
	stacks     track.StackSaver
	pid        func() int64
	reporter   report.Reporter
	depth      *task.Depth
	metrics    *metrics.Metrics
	logger     *slog.Logger

	reports atomic.Uint64
	closed  atomic.Bool
}

// New returns a sanitizer for cfg. The allocator's maximum allocation size
// overrides cfg.MaxAllocSize.
func New(cfg config.Config, deps Deps) (*Sanitizer, error) {
	if deps.Allocator == nil {
		return nil, errors.New("sanitizer: allocator is required")
	}
	if n := deps.Allocator.MaxAllocSize(); n > 0 {
		cfg.MaxAllocSize = n
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "sanitizer")
	}

	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Stacks == nil {
		deps.Stacks = stackdepot.New()
	}
	if deps.PID == nil {
		deps.PID = task.ID
	}
	if deps.Reporter == nil {
		lookup, _ := deps.Stacks.(report.StackLookup)
		deps.Reporter = report.NewPrinter(os.Stderr, lookup, report.PrinterOptions{
			MultiShot: cfg.MultiShot,
			Burst:     cfg.ReportBurst,
			Interval:  cfg.ReportInterval,
			Logger:    deps.Logger,
		})
	}

	s := &Sanitizer{
		cfg:      cfg,
		alloc:    deps.Allocator,
		shadow:   shadow.New(cfg.Mode),
		planner:  layout.NewPlanner(cfg, deps.Logger),
		tags:     tag.NewAssigner(cfg.Mode, deps.Random, deps.Allocator.IndexedFreelist()),
		stacks:   deps.Stacks,
		pid:      deps.PID,
		reporter: deps.Reporter,
		depth:    task.NewDepth(),
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	// Frames above the tracker: the record helper and the public hook.
	s.tracker = track.New(deps.Stacks, deps.PID, 2)
	s.quarantine = quarantine.New(quarantine.Config{
		MaxBytes:   cfg.QuarantineMaxBytes,
		BatchBytes: cfg.QuarantineBatchBytes,
	}, quarantine.ReleaserFunc(func(e quarantine.Entry) {
		s.alloc.Release(e.Cache, e.Object)
	}), deps.Metrics, deps.Logger)

	s.logger.Info("sanitizer initialised",
		"mode", cfg.Mode.String(),
		"stack_collection", cfg.StackCollection,
		"quarantine", humanize.IBytes(uint64(max(cfg.QuarantineMaxBytes, 0))),
	)
	return s, nil
}

// Config returns the configuration in effect.
func (s *Sanitizer) Config() config.Config { return s.cfg }

// Shadow exposes the shadow memory, for tests and diagnostics.
func (s *Sanitizer) Shadow() *shadow.Memory { return s.shadow }

// Quarantine exposes the quarantine, for tests and diagnostics.
func (s *Sanitizer) Quarantine() *quarantine.Quarantine { return s.quarantine }

// CreateCache plans the layout of c. It must be called before c is
// published to allocation callers; the layout is read-only afterwards.
func (s *Sanitizer) CreateCache(c *layout.Cache) error {
	if err := s.planner.Plan(c); err != nil {
		return err
	}
	if s.cfg.StackCollection {
		if !c.HasAllocMeta() {
			s.metrics.Disabled("alloc")
		}
		if s.cfg.Mode == config.ModeGeneric && !c.HasFreeMeta() {
			s.metrics.Disabled("free")
		}
	}
	return nil
}

// MetadataSize returns the bytes of metadata reserved per object of c.
func (s *Sanitizer) MetadataSize(c *layout.Cache) int {
	return s.planner.MetadataSize(c)
}

// Mergeable reports whether the allocator may merge c with another cache.
func (s *Sanitizer) Mergeable(c *layout.Cache) bool {
	return s.planner.Mergeable(c)
}

// Metadata returns the alloc/free records of the object at obj in c.
func (s *Sanitizer) Metadata(c *layout.Cache, obj tag.Pointer) track.Metadata {
	return s.tracker.MetadataFor(c, obj.Canonical())
}

// DestroyCache releases every quarantined object of c. It returns the
// number of objects released.
func (s *Sanitizer) DestroyCache(c *layout.Cache) int {
	return s.quarantine.RemoveCache(c)
}

// ShrinkQuarantine evicts the oldest quarantine batch if the quarantine is
// close to its ceiling. It never blocks.
func (s *Sanitizer) ShrinkQuarantine() int {
	return s.quarantine.Reduce()
}

// DisableCurrent suppresses reports from the calling task until the
// matching EnableCurrent. Calls nest.
func (s *Sanitizer) DisableCurrent() {
	s.depth.Disable(s.pid())
}

// EnableCurrent undoes one DisableCurrent.
func (s *Sanitizer) EnableCurrent() {
	s.depth.Enable(s.pid())
}

// Stats is a snapshot of sanitizer state.
type Stats struct {
	Quarantine  quarantine.Stats
	ShadowPages int
	Reports     uint64
}

// Stats returns a snapshot of sanitizer state.
func (s *Sanitizer) Stats() Stats {
	return Stats{
		Quarantine:  s.quarantine.Stats(),
		ShadowPages: s.shadow.Pages(),
		Reports:     s.reports.Load(),
	}
}

// Close drains the quarantine back to the allocator. Hooks must not be
// called after Close.
func (s *Sanitizer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	n := s.quarantine.Drain()
	st := s.Stats()
	s.logger.Info("sanitizer closed",
		"released", n,
		"reports", st.Reports,
		"shadow", humanize.IBytes(uint64(st.ShadowPages)*4096),
	)
	return nil
}

func (s *Sanitizer) poison(addr, size uint64, kind shadow.Kind) {
	if size == 0 {
		return
	}
	if err := s.shadow.Poison(addr, size, kind); err != nil {
		s.logger.Error("poison", "addr", addr, "size", size, "err", err)
	}
}

func (s *Sanitizer) unpoison(p tag.Pointer, size uint64) {
	if err := s.shadow.Unpoison(p, size); err != nil {
		s.logger.Error("unpoison", "addr", p.Addr, "size", size, "err", err)
	}
}

// assignTag applies the tag policy to the object at p.
func (s *Sanitizer) assignTag(c *layout.Cache, p tag.Pointer, init, keep bool) tag.Tag {
	r := tag.Request{
		HasConstructor: c.HasConstructor(),
		TypesafeRCU:    c.TypesafeRCU(),
		Current:        p.Tag,
		Init:           init,
		Keep:           keep,
	}
	if s.tags.Indexed() {
		if pg, ok := s.alloc.PageOf(p.Canonical()); ok {
			r.SlotIndex = s.alloc.SlotIndex(pg, p.Canonical())
		}
	}
	return s.tags.Assign(r)
}
