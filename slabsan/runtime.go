package slabsan

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/metrics"
	"github.com/kolkov/slabsan/internal/san/report"
	"github.com/kolkov/slabsan/internal/san/sanitizer"
	"github.com/kolkov/slabsan/internal/san/shadow"
	"github.com/kolkov/slabsan/internal/san/stackdepot"
	"github.com/kolkov/slabsan/internal/san/tag"
	"github.com/kolkov/slabsan/internal/slab"
)

// Re-exported types, so callers never import internal packages.
type (
	// Config is the runtime configuration.
	Config = config.Config
	// Pointer is an address plus the tag it was handed out with.
	Pointer = tag.Pointer
	// Report is one detected violation.
	Report = report.Report
	// Reporter receives violations.
	Reporter = report.Reporter
)

// Errors returned by the runtime.
var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("slabsan: runtime closed")
	// ErrInvalidSize is returned for non-positive allocation sizes.
	ErrInvalidSize = errors.New("slabsan: invalid size")
	// ErrInvalidFree is returned by Realloc for pointers that are not live
	// allocations. The bad pointer is also reported.
	ErrInvalidFree = sanitizer.ErrInvalidFree
)

// kmallocSizes are the object sizes of the general purpose caches.
var kmallocSizes = []int{8, 16, 32, 64, 96, 128, 192, 256, 512, 1024, 2048, 4096, 8192}

// Runtime is one sanitized allocator: a reference slab allocator with the
// sanitizer attached, plus the stack depot and report sinks it uses.
//
// Thread Safety: all methods are safe for concurrent use.
type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	reg     prometheus.Registerer
	metrics *metrics.Metrics

	depot     *stackdepot.Depot
	alloc     *slab.Allocator
	san       *sanitizer.Sanitizer
	collector *report.Collector
	printer   *report.Printer

	kmalloc []*Cache // sorted by object size

	mu     sync.RWMutex
	caches map[string]*Cache

	closed atomic.Bool
}

type options struct {
	cfg      *config.Config
	logger   *slog.Logger
	reg      prometheus.Registerer
	reporter report.Reporter
	output   io.Writer
	random   tag.Source
	slab     slab.Config
}

// Option configures New.
type Option func(*options)

// WithConfig replaces the configuration otherwise read from the
// SLABSAN_OPTIONS environment variable.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the runtime's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithReporter replaces the default report printer. Reports are still
// collected and available from Reports.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithOutput sets where the default printer writes. Defaults to stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithRandom sets the source of random tags.
func WithRandom(f func() uint8) Option {
	return func(o *options) { o.random = tag.SourceFunc(f) }
}

// WithExternalPool diverts every n-th cache allocation to a pool of slots
// the sanitizer does not manage.
func WithExternalPool(slots, every int) Option {
	return func(o *options) {
		o.slab.ExternalSlots = slots
		o.slab.ExternalEvery = every
	}
}

// WithIndexedFreelist makes the allocator advertise slot-index freelists,
// so constructor and RCU caches derive tags from slot indexes.
func WithIndexedFreelist() Option {
	return func(o *options) { o.slab.IndexedFreelist = true }
}

// New initialises a runtime.
func New(opts ...Option) (*Runtime, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cfg, err = config.FromEnv(os.LookupEnv); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.output == nil {
		o.output = os.Stderr
	}

	m, err := metrics.New(o.reg)
	if err != nil {
		return nil, errors.Wrap(err, "slabsan: registering metrics")
	}

	scfg := o.slab
	scfg.PageSize = cfg.PageSize
	scfg.MaxAllocSize = cfg.MaxAllocSize
	scfg.Align = shadow.GenericGranule
	if cfg.Mode == config.ModeTags {
		scfg.Align = shadow.TagGranule
	}
	alloc, err := slab.New(scfg)
	if err != nil {
		m.Unregister(o.reg)
		return nil, err
	}

	rt := &Runtime{
		cfg:       cfg,
		logger:    o.logger,
		reg:       o.reg,
		metrics:   m,
		depot:     stackdepot.New(),
		alloc:     alloc,
		collector: &report.Collector{},
		caches:    make(map[string]*Cache),
	}

	sink := o.reporter
	if sink == nil {
		rt.printer = report.NewPrinter(o.output, rt.depot, report.PrinterOptions{
			MultiShot: cfg.MultiShot,
			Burst:     cfg.ReportBurst,
			Interval:  cfg.ReportInterval,
			Logger:    o.logger,
		})
		sink = rt.printer
	}

	rt.san, err = sanitizer.New(cfg, sanitizer.Deps{
		Allocator: alloc,
		Stacks:    rt.depot,
		Random:    o.random,
		Reporter:  report.Tee(rt.collector, sink),
		Logger:    o.logger,
		Metrics:   m,
	})
	if err != nil {
		m.Unregister(o.reg)
		return nil, err
	}
	alloc.Attach(rt.san)

	for _, size := range kmallocSizes {
		if size > cfg.MaxAllocSize {
			break
		}
		c, err := rt.NewCache(fmt.Sprintf("kmalloc-%d", size), size)
		if err != nil {
			m.Unregister(o.reg)
			return nil, err
		}
		rt.kmalloc = append(rt.kmalloc, c)
	}
	return rt, nil
}

// Config returns the configuration in effect.
func (rt *Runtime) Config() Config { return rt.cfg }

// Cache is a pool of equally sized objects.
type Cache struct {
	rt   *Runtime
	slab *slab.Cache
}

// CacheOption configures NewCache.
type CacheOption func(*layout.Cache)

// WithConstructor runs ctor on every object when its slab is carved.
// Objects of such caches keep their tag across reuse.
func WithConstructor(ctor func(Pointer)) CacheOption {
	return func(c *layout.Cache) { c.Ctor = ctor }
}

// TypesafeRCU marks a cache whose freed objects may still be read for a
// grace period. They are neither poisoned nor quarantined on free.
func TypesafeRCU() CacheOption {
	return func(c *layout.Cache) { c.Flags |= layout.FlagTypesafeRCU }
}

// Layout describes the slot layout of a cache.
type Layout struct {
	Name            string
	ObjectSize      int
	Size            int
	Redzone         int
	AllocMetaOffset int
	FreeMetaOffset  int
	MetadataSize    int
	Mergeable       bool
}

// PlanLayout computes the layout a cache of size bytes would get, without
// creating it.
func (rt *Runtime) PlanLayout(name string, size int, opts ...CacheOption) (Layout, error) {
	if err := rt.check(); err != nil {
		return Layout{}, err
	}
	lc := newLayout(name, size, opts)
	if err := rt.san.CreateCache(lc); err != nil {
		return Layout{}, err
	}
	return rt.describeLayout(lc), nil
}

// NewCache creates a cache of size-byte objects.
func (rt *Runtime) NewCache(name string, size int, opts ...CacheOption) (*Cache, error) {
	if err := rt.check(); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.caches[name]; dup {
		return nil, errors.Newf("slabsan: cache %q already exists", name)
	}

	lc := newLayout(name, size, opts)
	if err := rt.san.CreateCache(lc); err != nil {
		return nil, err
	}
	sc, err := rt.alloc.NewCache(lc)
	if err != nil {
		return nil, err
	}
	c := &Cache{rt: rt, slab: sc}
	rt.caches[name] = c
	return c, nil
}

func newLayout(name string, size int, opts []CacheOption) *layout.Cache {
	lc := &layout.Cache{Name: name, ObjectSize: size}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

func (rt *Runtime) describeLayout(lc *layout.Cache) Layout {
	return Layout{
		Name:            lc.Name,
		ObjectSize:      lc.ObjectSize,
		Size:            lc.Size,
		Redzone:         lc.Redzone(),
		AllocMetaOffset: lc.AllocMetaOffset,
		FreeMetaOffset:  lc.FreeMetaOffset,
		MetadataSize:    rt.san.MetadataSize(lc),
		Mergeable:       rt.san.Mergeable(lc),
	}
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.slab.Layout().Name }

// Layout returns the planned layout of c.
func (c *Cache) Layout() Layout { return c.rt.describeLayout(c.slab.Layout()) }

// Cache returns the cache registered under name.
func (rt *Runtime) Cache(name string) (*Cache, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	c, ok := rt.caches[name]
	return c, ok
}

// Caches returns the registered cache names in order.
func (rt *Runtime) Caches() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	names := make([]string, 0, len(rt.caches))
	for n := range rt.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DestroyCache releases c's quarantined objects and returns its slabs to
// the page allocator. It fails while objects of c are still allocated.
func (rt *Runtime) DestroyCache(c *Cache) error {
	if err := rt.check(); err != nil {
		return err
	}
	rt.san.DestroyCache(c.slab.Layout())
	if err := c.slab.Destroy(); err != nil {
		return err
	}
	rt.mu.Lock()
	delete(rt.caches, c.Name())
	rt.mu.Unlock()
	return nil
}

// Malloc allocates one object from c.
func (rt *Runtime) Malloc(c *Cache) (Pointer, error) {
	if err := rt.check(); err != nil {
		return Pointer{}, err
	}
	p, err := c.slab.Alloc()
	if err != nil {
		return Pointer{}, err
	}
	return rt.san.SlabAlloc(c.slab.Layout(), p, sanitizer.MayBlock), nil
}

// Kmalloc allocates size bytes from the smallest fitting general cache, or
// from whole pages when no cache is large enough.
func (rt *Runtime) Kmalloc(size int) (Pointer, error) {
	if err := rt.check(); err != nil {
		return Pointer{}, err
	}
	if size <= 0 {
		return Pointer{}, errors.Wrapf(ErrInvalidSize, "kmalloc(%d)", size)
	}
	c := rt.sizeClass(size)
	if c == nil {
		raw, err := rt.alloc.AllocLarge(size)
		if err != nil {
			return Pointer{}, err
		}
		return rt.san.KmallocLarge(raw, size, sanitizer.MayBlock), nil
	}
	p, err := c.slab.Alloc()
	if err != nil {
		return Pointer{}, err
	}
	return rt.san.Kmalloc(c.slab.Layout(), p, size, sanitizer.MayBlock), nil
}

func (rt *Runtime) sizeClass(size int) *Cache {
	i := sort.Search(len(rt.kmalloc), func(i int) bool {
		return rt.kmalloc[i].slab.Layout().ObjectSize >= size
	})
	if i == len(rt.kmalloc) {
		return nil
	}
	return rt.kmalloc[i]
}

// Realloc resizes p to size bytes, in place when the object can hold it.
// Otherwise it allocates a new object and frees p. A nil p allocates.
func (rt *Runtime) Realloc(p Pointer, size int) (Pointer, error) {
	if err := rt.check(); err != nil {
		return Pointer{}, err
	}
	if p.IsNil() {
		return rt.Kmalloc(size)
	}
	if size <= 0 {
		return Pointer{}, errors.Wrapf(ErrInvalidSize, "realloc(%s, %d)", p, size)
	}
	site := callerPC()
	q, err := rt.san.Krealloc(p, size, sanitizer.MayBlock, site)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, sanitizer.ErrTooLarge) || size > rt.cfg.MaxAllocSize {
		return Pointer{}, err
	}
	q, err = rt.Kmalloc(size)
	if err != nil {
		return Pointer{}, err
	}
	rt.free(p, site)
	return q, nil
}

// Free releases p, whichever cache or page run it came from. Invalid and
// double frees are reported and otherwise ignored.
func (rt *Runtime) Free(p Pointer) error {
	if err := rt.check(); err != nil {
		return err
	}
	rt.free(p, callerPC())
	return nil
}

func (rt *Runtime) free(p Pointer, site uintptr) {
	if p.IsNil() {
		return
	}
	if rt.alloc.Large(p) {
		if !rt.san.KfreeLarge(p, site) {
			// Validated above; the run exists.
			_ = rt.alloc.FreeLarge(p)
		}
		return
	}
	c, ok := rt.alloc.CacheOf(p)
	if !ok {
		rt.san.SlabFree(nil, p, site)
		return
	}
	if !rt.san.SlabFree(c.Layout(), p, site) {
		c.Free(p)
	}
}

// FreeTo releases p to c, checking that p really belongs to c.
func (rt *Runtime) FreeTo(c *Cache, p Pointer) error {
	if err := rt.check(); err != nil {
		return err
	}
	if !rt.san.SlabFree(c.slab.Layout(), p, callerPC()) {
		c.slab.Free(p)
	}
	return nil
}

// Load checks a read of size bytes at p. It returns false, after
// reporting, when the access is invalid.
func (rt *Runtime) Load(p Pointer, size int) bool {
	return rt.access(p, size, false, callerPC())
}

// Store checks a write of size bytes at p.
func (rt *Runtime) Store(p Pointer, size int) bool {
	return rt.access(p, size, true, callerPC())
}

func (rt *Runtime) access(p Pointer, size int, write bool, site uintptr) bool {
	if rt.closed.Load() || size <= 0 {
		return true
	}
	return rt.san.CheckAccess(p, uint64(size), write, site)
}

// RecordAuxStack remembers the current stack as related work of the object
// at p.
func (rt *Runtime) RecordAuxStack(p Pointer) {
	if !rt.closed.Load() {
		rt.san.RecordAuxStack(p)
	}
}

// DisableReports suppresses reports from the calling goroutine until the
// matching EnableReports.
func (rt *Runtime) DisableReports() { rt.san.DisableCurrent() }

// EnableReports undoes one DisableReports.
func (rt *Runtime) EnableReports() { rt.san.EnableCurrent() }

// ShrinkQuarantine evicts the oldest quarantine batch when the quarantine
// is near its ceiling.
func (rt *Runtime) ShrinkQuarantine() int { return rt.san.ShrinkQuarantine() }

// Reports returns every report collected so far.
func (rt *Runtime) Reports() []*Report { return rt.collector.Reports() }

// ResetReports drops the collected reports.
func (rt *Runtime) ResetReports() { rt.collector.Reset() }

// FormatReport renders r with resolved stacks.
func (rt *Runtime) FormatReport(w io.Writer, r *Report) error {
	return r.Format(w, rt.depot)
}

// Stats is a snapshot of runtime state.
type Stats struct {
	Sanitizer sanitizer.Stats
	Allocator slab.Stats
	Stacks    int
	// Printed and Suppressed count the default printer's output.
	Printed    uint64
	Suppressed uint64
}

// Stats returns a snapshot of runtime state.
func (rt *Runtime) Stats() Stats {
	st := Stats{
		Sanitizer: rt.san.Stats(),
		Allocator: rt.alloc.Stats(),
	}
	st.Stacks, _ = rt.depot.Stats()
	if rt.printer != nil {
		st.Printed = rt.printer.Printed()
		st.Suppressed = rt.printer.Suppressed()
	}
	return st
}

// Close drains the quarantine and unregisters metrics. Further calls
// return ErrClosed.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := rt.san.Close()
	rt.metrics.Unregister(rt.reg)
	return err
}

func (rt *Runtime) check() error {
	if rt.closed.Load() {
		return ErrClosed
	}
	return nil
}

// callerPC returns the program counter of the caller of the Runtime method
// that called callerPC.
func callerPC() uintptr {
	var pcs [1]uintptr
	// runtime.Callers, callerPC, the Runtime method.
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}
