// Package config holds the immutable runtime configuration of the sanitizer.
//
// A Config is resolved once at startup (from defaults, options or the
// SLABSAN_OPTIONS environment variable) and then shared read-only by every
// component. Nothing in the sanitizer switches detection mode per call.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// EnvVar is the environment variable consulted by FromEnv.
const EnvVar = "SLABSAN_OPTIONS"

// Mode selects the detection scheme for the whole process.
type Mode int

const (
	// ModeGeneric tracks accessibility per granule with partial-granule
	// byte counts and poison kinds. Tags are fixed to the match-all value.
	ModeGeneric Mode = iota
	// ModeTags stores a memory tag per granule and compares it against the
	// tag carried by the accessing pointer.
	ModeTags
)

// String returns the option spelling of the mode.
func (m Mode) String() string {
	switch m {
	case ModeGeneric:
		return "generic"
	case ModeTags:
		return "tags"
	default:
		return "unknown"
	}
}

// ParseMode converts an option value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "generic", "shadow":
		return ModeGeneric, nil
	case "tags", "sw_tags", "tag":
		return ModeTags, nil
	}
	return 0, errors.Newf("config: unknown mode %q", s)
}

const (
	// DefaultMaxAllocSize mirrors the largest slab-backed allocation (4 MiB).
	DefaultMaxAllocSize = 4 << 20
	// DefaultPageSize is the page size assumed by the page hooks.
	DefaultPageSize = 4096
	// DefaultQuarantineMaxBytes bounds the bytes held in quarantine.
	DefaultQuarantineMaxBytes = 8 << 20
	// DefaultQuarantineBatchBytes is the eviction unit of the quarantine.
	DefaultQuarantineBatchBytes = 1 << 20
	// DefaultReportBurst is the number of reports printed before throttling.
	DefaultReportBurst = 16
)

// Config is the single immutable configuration of a sanitizer runtime.
type Config struct {
	// Mode is generic (shadow bytes) or tag based.
	Mode Mode

	// StackCollection enables alloc/free metadata and the quarantine.
	// With collection off, freed objects are poisoned and handed straight
	// back to the allocator.
	StackCollection bool

	// QuarantineMaxBytes is the ceiling on bytes held in quarantine.
	QuarantineMaxBytes int64

	// QuarantineBatchBytes is the size of a quarantine batch. Reduction
	// evicts whole batches oldest-first.
	QuarantineBatchBytes int64

	// MultiShot prints every distinct report. When false only the first
	// report of the process is printed.
	MultiShot bool

	// ReportBurst and ReportInterval throttle report output.
	ReportBurst    int
	ReportInterval time.Duration

	// MaxAllocSize is the allocator ceiling used for metadata placement
	// and realloc validation.
	MaxAllocSize int

	// PageSize of the backing page allocator.
	PageSize int
}

// Default returns the configuration used when no options are given.
func Default() Config {
	return Config{
		Mode:                 ModeGeneric,
		StackCollection:      true,
		QuarantineMaxBytes:   DefaultQuarantineMaxBytes,
		QuarantineBatchBytes: DefaultQuarantineBatchBytes,
		MultiShot:            true,
		ReportBurst:          DefaultReportBurst,
		ReportInterval:       time.Second,
		MaxAllocSize:         DefaultMaxAllocSize,
		PageSize:             DefaultPageSize,
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Mode != ModeGeneric && c.Mode != ModeTags:
		return errors.Newf("config: invalid mode %d", int(c.Mode))
	case c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0:
		return errors.Newf("config: page size %d is not a power of two", c.PageSize)
	case c.MaxAllocSize < c.PageSize:
		return errors.Newf("config: max alloc size %d below page size %d", c.MaxAllocSize, c.PageSize)
	case c.QuarantineMaxBytes < 0:
		return errors.Newf("config: negative quarantine size %d", c.QuarantineMaxBytes)
	case c.QuarantineBatchBytes <= 0:
		return errors.Newf("config: quarantine batch size must be positive, got %d", c.QuarantineBatchBytes)
	case c.ReportBurst < 0:
		return errors.Newf("config: negative report burst %d", c.ReportBurst)
	}
	return nil
}

// Parse applies an options string on top of base.
//
// Options are key=value pairs separated by ':' or whitespace, as in
// "mode=tags:quarantine_size=2MiB:stacktrace=0". Unknown keys are errors.
func Parse(base Config, opts string) (Config, error) {
	cfg := base
	fields := strings.FieldsFunc(opts, func(r rune) bool {
		return r == ':' || r == ' ' || r == '\t' || r == '\n'
	})
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return base, errors.Newf("config: option %q is not key=value", f)
		}
		if err := cfg.set(key, val); err != nil {
			return base, errors.Wrapf(err, "config: option %q", key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// FromEnv parses EnvVar through lookup (os.LookupEnv in production).
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	v, ok := lookup(EnvVar)
	if !ok {
		return Default(), nil
	}
	return Parse(Default(), v)
}

func (c *Config) set(key, val string) error {
	switch key {
	case "mode":
		m, err := ParseMode(val)
		if err != nil {
			return err
		}
		c.Mode = m
	case "stacktrace", "stack_collection":
		b, err := parseBool(val)
		if err != nil {
			return err
		}
		c.StackCollection = b
	case "multi_shot":
		b, err := parseBool(val)
		if err != nil {
			return err
		}
		c.MultiShot = b
	case "quarantine_size":
		n, err := parseBytes(val)
		if err != nil {
			return err
		}
		c.QuarantineMaxBytes = n
	case "quarantine_batch":
		n, err := parseBytes(val)
		if err != nil {
			return err
		}
		c.QuarantineBatchBytes = n
	case "max_alloc_size":
		n, err := parseBytes(val)
		if err != nil {
			return err
		}
		c.MaxAllocSize = int(n)
	case "page_size":
		n, err := parseBytes(val)
		if err != nil {
			return err
		}
		c.PageSize = int(n)
	case "report_burst":
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.Wrap(err, "report_burst")
		}
		c.ReportBurst = n
	case "report_interval":
		d, err := time.ParseDuration(val)
		if err != nil {
			return errors.Wrap(err, "report_interval")
		}
		c.ReportInterval = d
	default:
		return errors.Newf("unknown option")
	}
	return nil
}

func parseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid boolean %q", s)
	}
	return b, nil
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if n > 1<<62 {
		return 0, errors.Newf("size %q too large", s)
	}
	return int64(n), nil
}
