package sanitizer

import (
	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/report"
	"github.com/kolkov/slabsan/internal/san/shadow"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// CheckByte reports whether the byte at ptr is accessible. A failed check
// is reported as an invalid free, since callers use it to validate a
// pointer they are about to release.
func (s *Sanitizer) CheckByte(ptr tag.Pointer, callSite uintptr) bool {
	if s.shadow.Check(ptr) {
		return true
	}
	s.report(report.KindInvalidFree, ptr, 0, false, callSite)
	return false
}

// CheckAccess validates an access of size bytes at ptr. On failure it
// reports the first bad byte, classified from the shadow state, and
// returns false.
func (s *Sanitizer) CheckAccess(ptr tag.Pointer, size uint64, write bool, callSite uintptr) bool {
	bad, ok := s.shadow.CheckRange(ptr, size)
	if ok {
		return true
	}
	s.report(s.classify(bad), tag.Pointer{Addr: bad, Tag: ptr.Tag}, size, write, callSite)
	return false
}

// classify names the violation of an access that failed at bad.
func (s *Sanitizer) classify(bad uint64) report.Kind {
	if s.cfg.Mode == config.ModeTags {
		return s.classifyTagged(bad)
	}
	kind, poisoned := s.shadow.Poisoned(bad)
	if !poisoned {
		// Past the accessible bytes of a partial granule.
		return report.KindOutOfBounds
	}
	switch kind {
	case shadow.KindSlabFree, shadow.KindFreePage:
		return report.KindUseAfterFree
	case shadow.KindSlabRedzone, shadow.KindPageRedzone:
		return report.KindOutOfBounds
	default:
		return report.KindInvalidAccess
	}
}

// classifyTagged attributes a tag mismatch by where it landed: inside an
// object body it is a stale pointer, in the slot tail it is an overflow.
func (s *Sanitizer) classifyTagged(bad uint64) report.Kind {
	pg, ok := s.alloc.PageOf(bad)
	if !ok {
		return report.KindInvalidAccess
	}
	if pg.Cache == nil {
		if _, invalid := s.shadow.Poisoned(bad); invalid {
			return report.KindOutOfBounds
		}
		return report.KindInvalidAccess
	}
	start, ok := s.alloc.ObjectStart(pg, bad)
	if !ok {
		return report.KindInvalidAccess
	}
	if bad-start < uint64(pg.Cache.ObjectSize) {
		return report.KindUseAfterFree
	}
	return report.KindOutOfBounds
}

// report builds a report for ptr and hands it to the reporter, unless the
// current task has reports disabled.
func (s *Sanitizer) report(kind report.Kind, ptr tag.Pointer, size uint64, write bool, callSite uintptr) {
	pid := s.pid()
	if s.depth.Suppressed(pid) {
		return
	}
	s.reports.Add(1)
	s.metrics.Report(kind.String())

	r := &report.Report{
		Kind:     kind,
		Addr:     ptr,
		Size:     size,
		Write:    write,
		CallSite: callSite,
		PID:      pid,
		// Drop report and the public hook that called it.
		Stack:  s.stacks.Capture(2),
		Shadow: s.shadow.State(ptr.Canonical()),
		Object: s.describe(ptr.Canonical()),
	}
	s.reporter.Report(r)
}

// describe attributes addr to a slab object, if it belongs to one.
func (s *Sanitizer) describe(addr uint64) *report.Object {
	if s.alloc.IsExternal(addr) {
		return nil
	}
	pg, ok := s.alloc.PageOf(addr)
	if !ok || pg.Cache == nil {
		return nil
	}
	start, ok := s.alloc.ObjectStart(pg, addr)
	if !ok {
		return nil
	}
	return &report.Object{
		Cache: pg.Cache.Name,
		Start: start,
		Size:  pg.Cache.ObjectSize,
		Meta:  s.tracker.MetadataFor(pg.Cache, start),

		Quarantined: s.quarantine.Contains(start),
	}
}
