// Package main implements the slabsan CLI tool.
//
// The slabsan tool inspects how the slab sanitizer lays out caches and
// runs small scenarios that trigger each class of report:
//
//	slabsan layout 8 40 1000     # Show slot layouts for these object sizes
//	slabsan demo uaf             # Trigger a use-after-free report
//	slabsan demo all             # Run every scenario
//
// Sanitizer options are read from SLABSAN_OPTIONS, for example
// SLABSAN_OPTIONS=mode=tags:stack_collection=false.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	command := args[0]
	switch command {
	case "layout":
		return layoutCommand(args[1:], stdout, stderr, logger)
	case "demo":
		return demoCommand(args[1:], stdout, stderr, logger)
	case "version", "--version", "-v":
		return versionCommand(stdout, stderr, logger)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", command)
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `slabsan - slab allocator sanitizer

USAGE:
    slabsan <command> [arguments]

COMMANDS:
    layout [sizes...]                    Show redzone and metadata placement
    demo [uaf|double-free|oob|all]       Trigger sample reports
    version                              Show version information
    help                                 Show this help message

EXAMPLES:
    # Compare layouts of a few object sizes
    slabsan layout 8 40 1000 5000

    # Same, in tag mode without stack collection
    SLABSAN_OPTIONS=mode=tags:stack_collection=false slabsan layout 40

    # Print a use-after-free report
    slabsan demo uaf

ENVIRONMENT:
    SLABSAN_OPTIONS    Colon separated key=value options: mode,
                       stack_collection, multi_shot, quarantine_size,
                       quarantine_batch, report_burst, report_interval,
                       max_alloc_size, page_size.

`)
}
