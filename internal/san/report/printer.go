package report

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Reporter receives violations. Implementations must be safe for
// concurrent use.
type Reporter interface {
	Report(r *Report)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(*Report)

// Report calls f.
func (f ReporterFunc) Report(r *Report) { f(r) }

// Tee fans reports out to every non-nil reporter in order.
func Tee(reporters ...Reporter) Reporter {
	var rs []Reporter
	for _, r := range reporters {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return ReporterFunc(func(r *Report) {
		for _, to := range rs {
			to.Report(r)
		}
	})
}

// PrinterOptions tunes a Printer.
type PrinterOptions struct {
	// MultiShot prints every distinct report. When false only the first
	// report is printed.
	MultiShot bool
	// Burst and Interval bound the print rate: Burst reports at once, then
	// one per Interval. A zero Interval disables throttling.
	Burst    int
	Interval time.Duration

	Logger *slog.Logger
}

// Printer writes reports to an io.Writer.
//
// Identical reports (same Key) are printed once. Reports beyond the rate
// limit, or after the first one without MultiShot, are counted and logged
// but not printed.
type Printer struct {
	w       io.Writer
	stacks  StackLookup
	opts    PrinterOptions
	limiter *rate.Limiter

	seen       sync.Map // Key() -> struct{}
	printed    atomic.Uint64
	suppressed atomic.Uint64

	mu sync.Mutex // serializes writes to w
}

// NewPrinter returns a Printer writing to w. stacks may be nil.
func NewPrinter(w io.Writer, stacks StackLookup, opts PrinterOptions) *Printer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Printer{
		w:       w,
		stacks:  stacks,
		opts:    opts,
		limiter: rate.NewLimiter(limit, max(opts.Burst, 1)),
	}
}

// Report prints r unless it is a duplicate or throttled.
func (p *Printer) Report(r *Report) {
	if _, dup := p.seen.LoadOrStore(r.Key(), struct{}{}); dup {
		p.suppressed.Add(1)
		return
	}
	if !p.opts.MultiShot && p.printed.Load() > 0 {
		p.suppress(r, "report once")
		return
	}
	if !p.limiter.Allow() {
		p.suppress(r, "rate limited")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opts.MultiShot && p.printed.Load() > 0 {
		p.suppress(r, "report once")
		return
	}
	if err := r.Format(p.w, p.stacks); err != nil {
		p.opts.Logger.Error("writing report", "kind", r.Kind.String(), "err", err)
		return
	}
	p.printed.Add(1)
}

func (p *Printer) suppress(r *Report, reason string) {
	p.suppressed.Add(1)
	p.opts.Logger.Warn("report suppressed",
		"kind", r.Kind.String(),
		"addr", r.Addr.String(),
		"reason", reason,
	)
}

// Printed returns the number of reports written.
func (p *Printer) Printed() uint64 { return p.printed.Load() }

// Suppressed returns the number of reports dropped as duplicates or by
// throttling.
func (p *Printer) Suppressed() uint64 { return p.suppressed.Load() }

// Collector keeps every report in memory.
type Collector struct {
	mu      sync.Mutex
	reports []*Report
}

// Report appends r.
func (c *Collector) Report(r *Report) {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
}

// Reports returns a copy of the collected reports, oldest first.
func (c *Collector) Reports() []*Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Report(nil), c.reports...)
}

// Len returns the number of collected reports.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reports)
}

// Reset drops the collected reports.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.reports = nil
	c.mu.Unlock()
}
