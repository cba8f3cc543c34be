package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/kolkov/slabsan/slabsan"
)

// scenario triggers one class of report on rt.
type scenario struct {
	name string
	run  func(rt *slabsan.Runtime) error
}

var scenarios = []scenario{
	{"uaf", useAfterFree},
	{"double-free", doubleFree},
	{"oob", outOfBounds},
}

// demoCommand implements 'slabsan demo [uaf|double-free|oob|all]'.
//
// Every scenario runs on a fresh runtime so that reports do not
// deduplicate against each other.
func demoCommand(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	name := "all"
	if len(args) > 0 {
		name = args[0]
	}
	if len(args) > 1 {
		fmt.Fprintln(stderr, "Error: demo takes at most one scenario")
		return 1
	}

	var selected []scenario
	for _, s := range scenarios {
		if name == "all" || name == s.name {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		fmt.Fprintf(stderr, "Error: unknown scenario %q (want uaf, double-free, oob or all)\n", name)
		return 1
	}

	for _, s := range selected {
		n, err := runScenario(s, stdout, logger)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", s.name, err)
			return 1
		}
		fmt.Fprintf(stdout, "scenario %s: %d report(s)\n\n", s.name, n)
	}
	return 0
}

func runScenario(s scenario, out io.Writer, logger *slog.Logger) (int, error) {
	rt, err := slabsan.New(slabsan.WithLogger(logger), slabsan.WithOutput(out))
	if err != nil {
		return 0, err
	}
	defer rt.Close()

	if err := s.run(rt); err != nil {
		return 0, err
	}
	st := rt.Stats()
	logger.Info("scenario finished",
		"scenario", s.name,
		"quarantined", humanize.IBytes(uint64(st.Sanitizer.Quarantine.Bytes)),
		"stacks", st.Stacks,
	)
	return len(rt.Reports()), nil
}

func useAfterFree(rt *slabsan.Runtime) error {
	c, err := rt.NewCache("demo_object", 40)
	if err != nil {
		return err
	}
	p, err := rt.Malloc(c)
	if err != nil {
		return err
	}
	if err := rt.Free(p); err != nil {
		return err
	}
	rt.Load(p.Add(8), 4)
	return nil
}

func doubleFree(rt *slabsan.Runtime) error {
	p, err := rt.Kmalloc(64)
	if err != nil {
		return err
	}
	if err := rt.Free(p); err != nil {
		return err
	}
	return rt.Free(p)
}

func outOfBounds(rt *slabsan.Runtime) error {
	p, err := rt.Kmalloc(13)
	if err != nil {
		return err
	}
	rt.Store(p.Add(13), 1)
	return rt.Free(p)
}
