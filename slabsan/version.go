package slabsan

import (
	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/shadow"
)

// Version information for the slab sanitizer runtime.
const (
	// Version is the current version of the runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about a sanitizer.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Mode is "generic" or "tags".
	Mode string

	// Granule is the number of bytes one shadow entry covers.
	Granule int

	// StackCollection reports whether alloc/free records and the
	// quarantine are active.
	StackCollection bool
}

// Info returns information about rt.
//
// Example:
//
//	info := rt.Info()
//	fmt.Printf("slabsan %s (%s mode)\n", info.Version, info.Mode)
func (rt *Runtime) Info() Info {
	granule := shadow.GenericGranule
	if rt.cfg.Mode == config.ModeTags {
		granule = shadow.TagGranule
	}
	return Info{
		Version:         Version,
		Mode:            rt.cfg.Mode.String(),
		Granule:         granule,
		StackCollection: rt.cfg.StackCollection,
	}
}

// DefaultConfig returns the configuration used when SLABSAN_OPTIONS is
// unset.
func DefaultConfig() Config {
	return config.Default()
}

// ParseConfig applies an options string such as
// "mode=tags:quarantine_size=2MiB" on top of the defaults.
func ParseConfig(opts string) (Config, error) {
	return config.Parse(config.Default(), opts)
}
