package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"github.com/kolkov/slabsan/slabsan"
)

// defaultLayoutSizes are shown when layout is run without arguments: one
// size per redzone tier plus the small-object free metadata cutoff.
var defaultLayoutSizes = []int{8, 16, 40, 96, 448, 3968, 16128, 32256, 65536}

// layoutCommand implements 'slabsan layout [sizes...]'.
//
// Example:
//
//	slabsan layout 40 1000
func layoutCommand(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	sizes, err := parseSizes(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rt, err := slabsan.New(slabsan.WithLogger(logger), slabsan.WithOutput(stderr))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close()

	info := rt.Info()
	fmt.Fprintf(stdout, "mode=%s granule=%d stack_collection=%t\n\n", info.Mode, info.Granule, info.StackCollection)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "OBJECT\tREDZONE\tPADDED\tALLOC META\tFREE META\tMETADATA\tMERGEABLE\t")
	failed := false
	for _, size := range sizes {
		l, err := rt.PlanLayout("size-"+strconv.Itoa(size), size)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %d: %v\n", size, err)
			failed = true
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%t\t\n",
			humanize.IBytes(uint64(l.ObjectSize)),
			l.Redzone,
			humanize.IBytes(uint64(l.Size)),
			allocMetaColumn(l.AllocMetaOffset),
			freeMetaColumn(l.FreeMetaOffset),
			l.MetadataSize,
			l.Mergeable,
		)
	}
	if err := tw.Flush(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if failed {
		return 1
	}
	return 0
}

// parseSizes accepts plain byte counts or humanized sizes such as "4KiB".
func parseSizes(args []string) ([]int, error) {
	if len(args) == 0 {
		return defaultLayoutSizes, nil
	}
	sizes := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := humanize.ParseBytes(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid size %q", arg)
		}
		if n == 0 || n > 1<<31 {
			return nil, errors.Newf("invalid size %q: out of range", arg)
		}
		sizes = append(sizes, int(n))
	}
	return sizes, nil
}

func allocMetaColumn(off int) string {
	if off == 0 {
		return "-"
	}
	return strconv.Itoa(off)
}

func freeMetaColumn(off int) string {
	switch {
	case off < 0:
		return "-"
	case off == 0:
		return "inline"
	default:
		return strconv.Itoa(off)
	}
}
