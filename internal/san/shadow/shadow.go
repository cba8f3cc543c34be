package shadow

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/tag"
)

const (
	// GenericGranule is the granule size in generic mode.
	GenericGranule = 8
	// TagGranule is the granule size in tag mode.
	TagGranule = 16

	pageGranules = 4096
)

// Kind is the reason a generic-mode granule is poisoned.
type Kind uint8

const (
	// KindFreePage marks pages returned to the page allocator.
	KindFreePage Kind = 0xFF
	// KindPageRedzone marks the tail of a page-backed allocation.
	KindPageRedzone Kind = 0xFE
	// KindSlabRedzone marks slab padding and not-yet-allocated slots.
	KindSlabRedzone Kind = 0xFC
	// KindSlabFree marks freed slab objects.
	KindSlabFree Kind = 0xFB
)

// String names the kind as it appears in reports.
func (k Kind) String() string {
	switch k {
	case KindFreePage:
		return "free page"
	case KindPageRedzone:
		return "page redzone"
	case KindSlabRedzone:
		return "slab redzone"
	case KindSlabFree:
		return "freed object"
	default:
		return "unknown"
	}
}

// ErrUnaligned is returned for ranges that do not start on a granule.
var ErrUnaligned = errors.New("shadow: address not granule aligned")

type page struct {
	cells [pageGranules]byte
}

// Memory is the shadow table for one sanitizer runtime.
type Memory struct {
	tagged  bool
	granule uint64
	fill    byte
	pages   sync.Map // uint64 page number -> *page
}

// New returns an empty shadow table for mode.
func New(mode config.Mode) *Memory {
	if mode == config.ModeTags {
		return &Memory{tagged: true, granule: TagGranule, fill: byte(tag.Kernel)}
	}
	return &Memory{granule: GenericGranule}
}

// Granule returns the number of bytes covered by one shadow byte.
func (m *Memory) Granule() uint64 {
	return m.granule
}

// RoundUp rounds n up to a multiple of the granule.
func (m *Memory) RoundUp(n uint64) uint64 {
	return (n + m.granule - 1) &^ (m.granule - 1)
}

// Poison marks [addr, addr+size) inaccessible for reason kind. The size is
// rounded up to whole granules. In tag mode the granules get tag.Invalid.
func (m *Memory) Poison(addr, size uint64, kind Kind) error {
	if addr&(m.granule-1) != 0 {
		return errors.Wrapf(ErrUnaligned, "poison %#x", addr)
	}
	v := byte(kind)
	if m.tagged {
		v = byte(tag.Invalid)
	}
	m.fillRange(addr/m.granule, m.RoundUp(size)/m.granule, v)
	return nil
}

// Unpoison marks exactly size bytes starting at p accessible.
//
// In generic mode a trailing partial granule records the number of
// accessible leading bytes. In tag mode the covering granules get p's tag.
func (m *Memory) Unpoison(p tag.Pointer, size uint64) error {
	if p.Addr&(m.granule-1) != 0 {
		return errors.Wrapf(ErrUnaligned, "unpoison %#x", p.Addr)
	}
	first := p.Addr / m.granule
	if m.tagged {
		m.fillRange(first, m.RoundUp(size)/m.granule, byte(p.Tag))
		return nil
	}
	full := size / m.granule
	m.fillRange(first, full, 0)
	if rem := size % m.granule; rem != 0 {
		m.store(first+full, byte(rem))
	}
	return nil
}

// Check reports whether the byte at p may be accessed through p.
func (m *Memory) Check(p tag.Pointer) bool {
	v := m.load(p.Addr / m.granule)
	if m.tagged {
		return tag.Tag(v) != tag.Invalid && tag.Matches(p.Tag, tag.Tag(v))
	}
	if v == 0 {
		return true
	}
	if int8(v) < 0 {
		return false
	}
	return p.Addr&(m.granule-1) < uint64(v)
}

// CheckRange validates [p, p+size). It returns the first inaccessible
// address and false, or 0 and true when the whole range is accessible.
func (m *Memory) CheckRange(p tag.Pointer, size uint64) (uint64, bool) {
	if size == 0 {
		return 0, true
	}
	end := p.Addr + size
	if end < p.Addr {
		// The range wraps past the top of the address space.
		return p.Addr, false
	}
	for a := p.Addr; a < end; {
		if !m.Check(tag.Pointer{Addr: a, Tag: p.Tag}) {
			return a, false
		}
		// Fully accessible generic granules and matching tag granules
		// can be skipped whole.
		next := (a + m.granule) &^ (m.granule - 1)
		if v := m.load(a / m.granule); m.tagged || v == 0 {
			a = next
			continue
		}
		a++
	}
	return 0, true
}

// State returns the raw shadow byte covering addr.
func (m *Memory) State(addr uint64) byte {
	return m.load(addr / m.granule)
}

// Poisoned reports the poison kind at addr, if any. In tag mode the kind
// is not recorded and KindSlabRedzone stands in for any invalid granule.
func (m *Memory) Poisoned(addr uint64) (Kind, bool) {
	v := m.load(addr / m.granule)
	if m.tagged {
		return KindSlabRedzone, tag.Tag(v) == tag.Invalid
	}
	if int8(v) < 0 {
		return Kind(v), true
	}
	return 0, false
}

// Pages returns the number of shadow pages materialised so far.
func (m *Memory) Pages() int {
	n := 0
	m.pages.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every shadow page. Not safe for concurrent use.
func (m *Memory) Reset() {
	m.pages = sync.Map{}
}

func (m *Memory) page(granule uint64) (*page, uint64) {
	no, off := granule/pageGranules, granule%pageGranules
	if v, ok := m.pages.Load(no); ok {
		return v.(*page), off
	}
	pg := &page{}
	if m.fill != 0 {
		for i := range pg.cells {
			pg.cells[i] = m.fill
		}
	}
	actual, _ := m.pages.LoadOrStore(no, pg)
	return actual.(*page), off
}

func (m *Memory) load(granule uint64) byte {
	v, ok := m.pages.Load(granule / pageGranules)
	if !ok {
		return m.fill
	}
	return v.(*page).cells[granule%pageGranules]
}

func (m *Memory) store(granule uint64, v byte) {
	pg, off := m.page(granule)
	pg.cells[off] = v
}

func (m *Memory) fillRange(first, count uint64, v byte) {
	for count > 0 {
		pg, off := m.page(first)
		n := min(count, pageGranules-off)
		for i := off; i < off+n; i++ {
			pg.cells[i] = v
		}
		first += n
		count -= n
	}
}
