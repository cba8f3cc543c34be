// Package quarantine delays the reuse of freed objects.
//
// A freed object stays poisoned in quarantine for a while before it goes
// back to the allocator, which widens the window in which a stale pointer
// still hits poisoned memory and gets reported as use-after-free.
//
// Entries are appended to fixed-size batches in FIFO order. Put keeps the
// total under the configured ceiling by evicting the oldest entries, and
// Reduce, called before allocations that may block, evicts the oldest batch
// to leave headroom. Releases to the allocator always happen outside the
// quarantine lock.
//
// The quarantine is the only structure shared by every cache and every
// goroutine, so all state is guarded by one mutex. Reduce is additionally
// gated by a non-blocking semaphore: a goroutine that finds another
// reduction in progress skips instead of waiting.
package quarantine

import (
	"io"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/metrics"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// Entry is one quarantined object.
type Entry struct {
	Object tag.Pointer
	Cache  *layout.Cache
	Size   int64
}

// Releaser hands evicted objects back to the allocator.
type Releaser interface {
	Release(Entry)
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(Entry)

// Release calls f.
func (f ReleaserFunc) Release(e Entry) { f(e) }

// Config bounds the quarantine.
type Config struct {
	// MaxBytes is the ceiling on held bytes. Zero disables the quarantine.
	MaxBytes int64
	// BatchBytes is the eviction unit of Reduce.
	BatchBytes int64
}

// Stats is a snapshot of quarantine occupancy.
type Stats struct {
	Bytes    int64
	Objects  int
	Batches  int
	MaxBytes int64
	Evicted  uint64
}

type batch struct {
	entries []Entry
	bytes   int64
}

// Quarantine is the process-wide holding area for freed objects.
type Quarantine struct {
	cfg     Config
	release Releaser
	metrics *metrics.Metrics
	logger  *slog.Logger

	reducing *semaphore.Weighted

	mu      sync.Mutex
	batches []*batch // oldest first; the last one is being filled
	bytes   int64
	objects int
	evicted uint64
	members *roaring64.Bitmap // canonical addresses held
}

// New returns an empty quarantine. m and logger may be nil.
func New(cfg Config, release Releaser, m *metrics.Metrics, logger *slog.Logger) *Quarantine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = max(cfg.MaxBytes, 1)
	}
	return &Quarantine{
		cfg:      cfg,
		release:  release,
		metrics:  m,
		logger:   logger,
		reducing: semaphore.NewWeighted(1),
		members:  roaring64.New(),
	}
}

// Put quarantines e. It returns false when the quarantine is disabled, in
// which case the caller must release the object itself.
//
// If the total exceeds the ceiling afterwards, the oldest entries are
// evicted until it fits again.
func (q *Quarantine) Put(e Entry) bool {
	if q.cfg.MaxBytes <= 0 {
		return false
	}

	q.mu.Lock()
	tail := q.tailLocked()
	tail.entries = append(tail.entries, e)
	tail.bytes += e.Size
	q.bytes += e.Size
	q.objects++
	q.members.Add(e.Object.Canonical())

	var evicted []Entry
	for q.bytes > q.cfg.MaxBytes && q.objects > 0 {
		evicted = append(evicted, q.popOldestLocked())
	}
	q.publishLocked()
	q.mu.Unlock()

	q.releaseAll(evicted)
	return true
}

// Reduce evicts the oldest batch when the quarantine is within one batch of
// its ceiling. It never waits: if another goroutine is already reducing it
// returns immediately. It returns the number of objects released.
func (q *Quarantine) Reduce() int {
	if !q.reducing.TryAcquire(1) {
		return 0
	}
	defer q.reducing.Release(1)

	q.mu.Lock()
	if q.objects == 0 || q.bytes <= q.cfg.MaxBytes-q.cfg.BatchBytes {
		q.mu.Unlock()
		return 0
	}
	oldest := q.batches[0]
	q.batches = q.batches[1:]
	q.dropLocked(oldest.entries)
	q.publishLocked()
	q.mu.Unlock()

	q.logger.Debug("quarantine reduced",
		"objects", len(oldest.entries),
		"bytes", humanize.IBytes(uint64(oldest.bytes)),
	)
	q.metrics.Reduced()
	q.releaseAll(oldest.entries)
	return len(oldest.entries)
}

// RemoveCache releases every quarantined object of c, for cache
// destruction. It returns the number of objects released.
func (q *Quarantine) RemoveCache(c *layout.Cache) int {
	q.mu.Lock()
	var removed []Entry
	kept := q.batches[:0]
	for _, b := range q.batches {
		entries := b.entries[:0]
		var bytes int64
		for _, e := range b.entries {
			if e.Cache == c {
				removed = append(removed, e)
				continue
			}
			entries = append(entries, e)
			bytes += e.Size
		}
		b.entries, b.bytes = entries, bytes
		if len(entries) > 0 {
			kept = append(kept, b)
		}
	}
	q.batches = kept
	q.dropLocked(removed)
	q.publishLocked()
	q.mu.Unlock()

	q.releaseAll(removed)
	return len(removed)
}

// Drain releases everything, oldest first.
func (q *Quarantine) Drain() int {
	q.mu.Lock()
	var all []Entry
	for _, b := range q.batches {
		all = append(all, b.entries...)
	}
	q.batches = nil
	q.dropLocked(all)
	q.publishLocked()
	q.mu.Unlock()

	q.releaseAll(all)
	return len(all)
}

// Contains reports whether the object at addr is quarantined.
func (q *Quarantine) Contains(addr uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.members.Contains(addr)
}

// Stats returns a snapshot of occupancy.
func (q *Quarantine) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Bytes:    q.bytes,
		Objects:  q.objects,
		Batches:  len(q.batches),
		MaxBytes: q.cfg.MaxBytes,
		Evicted:  q.evicted,
	}
}

func (q *Quarantine) tailLocked() *batch {
	if n := len(q.batches); n > 0 && q.batches[n-1].bytes < q.cfg.BatchBytes {
		return q.batches[n-1]
	}
	b := &batch{}
	q.batches = append(q.batches, b)
	return b
}

func (q *Quarantine) popOldestLocked() Entry {
	b := q.batches[0]
	e := b.entries[0]
	b.entries[0] = Entry{}
	b.entries = b.entries[1:]
	b.bytes -= e.Size
	if len(b.entries) == 0 {
		q.batches = q.batches[1:]
	}
	q.dropLocked([]Entry{e})
	return e
}

// dropLocked updates the totals for entries already unlinked from batches.
func (q *Quarantine) dropLocked(entries []Entry) {
	for _, e := range entries {
		q.bytes -= e.Size
		q.objects--
		q.members.Remove(e.Object.Canonical())
	}
	q.evicted += uint64(len(entries))
}

func (q *Quarantine) publishLocked() {
	q.metrics.Quarantine(q.bytes, q.objects)
}

func (q *Quarantine) releaseAll(entries []Entry) {
	q.metrics.Evicted(len(entries))
	for _, e := range entries {
		q.release.Release(e)
	}
}
