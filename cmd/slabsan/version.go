package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kolkov/slabsan/slabsan"
)

// versionCommand prints the runtime version and the configuration that
// SLABSAN_OPTIONS selects.
func versionCommand(stdout, stderr io.Writer, logger *slog.Logger) int {
	rt, err := slabsan.New(slabsan.WithLogger(logger), slabsan.WithOutput(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	info := rt.Info()
	fmt.Fprintf(stdout, "slabsan version %s (%s mode, %d-byte granules, stack collection %t)\n",
		info.Version, info.Mode, info.Granule, info.StackCollection)
	return 0
}
