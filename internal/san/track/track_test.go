package track

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/slabsan/internal/san/config"
	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/stackdepot"
	"github.com/kolkov/slabsan/internal/san/tag"
)

// fakeStacks hands out increasing handles.
type fakeStacks struct{ next stackdepot.Handle }

func (f *fakeStacks) Capture(int) stackdepot.Handle {
	f.next++
	return f.next
}

const obj = uint64(0xffff888000200000)

func newTracker() *Tracker {
	return New(&fakeStacks{}, func() int64 { return 42 }, 0)
}

func plan(t *testing.T, c *layout.Cache, mutate func(*config.Config)) *layout.Cache {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, layout.NewPlanner(cfg, nil).Plan(c))
	return c
}

func TestRecordAllocAndFree(t *testing.T) {
	tr := newTracker()
	c := plan(t, &layout.Cache{Name: "ctor", ObjectSize: 64, Ctor: func(tag.Pointer) {}}, nil)

	tr.InitObject(c, obj)
	md := tr.MetadataFor(c, obj)
	require.True(t, md.HasAlloc)
	assert.Equal(t, AllocMeta{}, md.Alloc, "init must zero the record")
	assert.False(t, md.HasFree)

	tr.RecordAlloc(c, obj)
	md = tr.MetadataFor(c, obj)
	assert.Equal(t, int64(42), md.Alloc.Alloc.PID)
	assert.Equal(t, stackdepot.Handle(1), md.Alloc.Alloc.Stack)

	tr.RecordFree(c, obj, 0x2a)
	md = tr.MetadataFor(c, obj)
	require.True(t, md.HasFree)
	assert.Equal(t, tag.Tag(0x2a), md.Free.Tag)
	assert.Equal(t, stackdepot.Handle(2), md.Free.Free.Stack)

	// Out-of-line free records survive reallocation.
	tr.RecordAlloc(c, obj)
	assert.True(t, tr.MetadataFor(c, obj).HasFree)
}

func TestInlineFreeRecordDroppedOnAlloc(t *testing.T) {
	tr := newTracker()
	c := plan(t, &layout.Cache{Name: "plain", ObjectSize: 64}, nil)
	require.Equal(t, layout.InlineFreeMeta, c.FreeMetaOffset)

	tr.RecordFree(c, obj, tag.Kernel)
	assert.True(t, tr.MetadataFor(c, obj).HasFree)

	tr.RecordAlloc(c, obj)
	assert.False(t, tr.MetadataFor(c, obj).HasFree)
}

func TestAbsentMetadata(t *testing.T) {
	tr := newTracker()
	c := plan(t, &layout.Cache{Name: "nometa", ObjectSize: 64}, func(cfg *config.Config) {
		cfg.StackCollection = false
	})
	require.False(t, c.HasAllocMeta())

	tr.InitObject(c, obj)
	tr.RecordAlloc(c, obj)
	tr.RecordFree(c, obj, 1)
	tr.RecordAuxStack(c, obj)

	assert.Equal(t, Metadata{}, tr.MetadataFor(c, obj))
}

func TestAuxStacksShift(t *testing.T) {
	tr := newTracker()
	c := plan(t, &layout.Cache{Name: "aux", ObjectSize: 32}, nil)

	tr.RecordAlloc(c, obj)
	tr.RecordAuxStack(c, obj)
	tr.RecordAuxStack(c, obj)

	md := tr.MetadataFor(c, obj)
	assert.Equal(t, [2]stackdepot.Handle{3, 2}, md.Alloc.Aux)
	assert.Equal(t, stackdepot.Handle(1), md.Alloc.Alloc.Stack)
}

// atomicStacks hands out increasing handles from any goroutine.
type atomicStacks struct{ next atomic.Uint32 }

func (a *atomicStacks) Capture(int) stackdepot.Handle {
	return stackdepot.Handle(a.next.Add(1))
}

func TestConcurrentAuxStacksKeepBoth(t *testing.T) {
	tr := New(&atomicStacks{}, func() int64 { return 42 }, 0)
	c := plan(t, &layout.Cache{Name: "aux", ObjectSize: 32}, nil)

	const objects = 200
	for i := uint64(0); i < objects; i++ {
		tr.InitObject(c, obj+i*64)
	}

	start := make(chan struct{})
	var g errgroup.Group
	for w := 0; w < 2; w++ {
		g.Go(func() error {
			<-start
			for i := uint64(0); i < objects; i++ {
				tr.RecordAuxStack(c, obj+i*64)
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	for i := uint64(0); i < objects; i++ {
		aux := tr.MetadataFor(c, obj+i*64).Alloc.Aux
		assert.NotZero(t, aux[0], "object %d", i)
		assert.NotZero(t, aux[1], "object %d", i)
		assert.NotEqual(t, aux[0], aux[1], "object %d", i)
	}
}

func TestForgetRange(t *testing.T) {
	tr := newTracker()
	c := plan(t, &layout.Cache{Name: "forget", ObjectSize: 32}, nil)

	tr.RecordAlloc(c, obj)
	tr.RecordAlloc(c, obj+4096)
	tr.ForgetRange(obj, obj+4096)

	assert.False(t, tr.MetadataFor(c, obj).HasAlloc)
	assert.True(t, tr.MetadataFor(c, obj+4096).HasAlloc)
}
