package slabsan_test

import (
	"fmt"
	"io"

	"github.com/kolkov/slabsan/slabsan"
)

// Example demonstrates catching a use-after-free.
func Example() {
	rt, err := slabsan.New(
		slabsan.WithConfig(slabsan.DefaultConfig()),
		slabsan.WithOutput(io.Discard),
	)
	if err != nil {
		panic(err)
	}
	defer rt.Close()

	p, _ := rt.Kmalloc(40)
	fmt.Println(rt.Store(p, 40))

	_ = rt.Free(p)
	fmt.Println(rt.Load(p, 8))
	fmt.Println(rt.Reports()[0].Kind)

	// Output:
	// true
	// false
	// use-after-free
}

// Example_outOfBounds shows a one-byte overflow into the redzone.
func Example_outOfBounds() {
	rt, _ := slabsan.New(
		slabsan.WithConfig(slabsan.DefaultConfig()),
		slabsan.WithOutput(io.Discard),
	)
	defer rt.Close()

	c, _ := rt.NewCache("widget", 40)
	p, _ := rt.Malloc(c)
	fmt.Println(rt.Load(p.Add(39), 1))
	fmt.Println(rt.Load(p.Add(40), 1))
	fmt.Println(rt.Reports()[0].Kind)

	// Output:
	// true
	// false
	// out-of-bounds
}

// Example_layout prints the slot layout of a 40-byte cache.
func Example_layout() {
	rt, _ := slabsan.New(
		slabsan.WithConfig(slabsan.DefaultConfig()),
		slabsan.WithOutput(io.Discard),
	)
	defer rt.Close()

	l, _ := rt.PlanLayout("widget", 40)
	fmt.Println(l.ObjectSize, l.Size, l.Redzone, l.AllocMetaOffset)

	// Output:
	// 40 56 16 40
}
