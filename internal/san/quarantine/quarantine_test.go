package quarantine

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/slabsan/internal/san/layout"
	"github.com/kolkov/slabsan/internal/san/metrics"
	"github.com/kolkov/slabsan/internal/san/tag"
)

const base = uint64(0xffff888000300000)

// recorder collects released entries in order.
type recorder struct {
	mu  sync.Mutex
	got []uint64
}

func (r *recorder) Release(e Entry) {
	r.mu.Lock()
	r.got = append(r.got, e.Object.Addr)
	r.mu.Unlock()
}

func (r *recorder) released() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.got...)
}

func entry(c *layout.Cache, i int, size int64) Entry {
	return Entry{Object: tag.At(base + uint64(i)*256), Cache: c, Size: size}
}

func TestPutEvictsOldestFirst(t *testing.T) {
	rec := &recorder{}
	q := New(Config{MaxBytes: 100, BatchBytes: 40}, rec, nil, nil)
	c := &layout.Cache{Name: "c"}

	for i := 0; i < 3; i++ {
		require.True(t, q.Put(entry(c, i, 30)))
	}
	assert.Empty(t, rec.released())
	assert.Equal(t, int64(90), q.Stats().Bytes)

	require.True(t, q.Put(entry(c, 3, 30)))
	assert.Equal(t, []uint64{base}, rec.released())
	assert.Equal(t, int64(90), q.Stats().Bytes)

	require.True(t, q.Put(entry(c, 4, 75)))
	assert.Equal(t, []uint64{base, base + 256, base + 512, base + 768}, rec.released())

	st := q.Stats()
	assert.Equal(t, int64(75), st.Bytes)
	assert.Equal(t, 1, st.Objects)
	assert.Equal(t, uint64(4), st.Evicted)
	assert.LessOrEqual(t, st.Bytes, st.MaxBytes)
}

func TestPutDisabled(t *testing.T) {
	rec := &recorder{}
	q := New(Config{MaxBytes: 0}, rec, nil, nil)

	assert.False(t, q.Put(entry(nil, 0, 8)))
	assert.Zero(t, q.Stats().Objects)
	assert.Empty(t, rec.released())
}

func TestContains(t *testing.T) {
	q := New(Config{MaxBytes: 1 << 20, BatchBytes: 1 << 10}, &recorder{}, nil, nil)
	e := entry(nil, 1, 64)

	assert.False(t, q.Contains(e.Object.Addr))
	q.Put(e)
	assert.True(t, q.Contains(e.Object.Addr))
	q.Drain()
	assert.False(t, q.Contains(e.Object.Addr))
}

func TestReduceEvictsOldestBatch(t *testing.T) {
	rec := &recorder{}
	q := New(Config{MaxBytes: 1000, BatchBytes: 200}, rec, nil, nil)

	// Below the watermark nothing happens.
	for i := 0; i < 4; i++ {
		q.Put(entry(nil, i, 100))
	}
	assert.Zero(t, q.Reduce())

	// 900 bytes: within one batch of the ceiling.
	for i := 4; i < 9; i++ {
		q.Put(entry(nil, i, 100))
	}
	require.Equal(t, 2, q.Reduce())
	assert.Equal(t, []uint64{base, base + 256}, rec.released())
	assert.Equal(t, int64(700), q.Stats().Bytes)
	assert.Zero(t, q.Reduce())
}

func TestRemoveCache(t *testing.T) {
	rec := &recorder{}
	q := New(Config{MaxBytes: 1 << 20, BatchBytes: 64}, rec, nil, nil)
	a, b := &layout.Cache{Name: "a"}, &layout.Cache{Name: "b"}

	for i := 0; i < 6; i++ {
		c := a
		if i%2 == 1 {
			c = b
		}
		q.Put(entry(c, i, 32))
	}

	assert.Equal(t, 3, q.RemoveCache(a))
	assert.Equal(t, []uint64{base, base + 512, base + 1024}, rec.released())

	st := q.Stats()
	assert.Equal(t, 3, st.Objects)
	assert.Equal(t, int64(96), st.Bytes)
	assert.False(t, q.Contains(base))
	assert.True(t, q.Contains(base+256))

	assert.Equal(t, 3, q.Drain())
	assert.Zero(t, q.Stats().Batches)
}

func TestMetricsPublished(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	q := New(Config{MaxBytes: 64, BatchBytes: 32}, &recorder{}, m, nil)

	q.Put(entry(nil, 0, 48))
	q.Put(entry(nil, 1, 48))

	assert.Equal(t, 48.0, testutil.ToFloat64(m.QuarantineBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuarantineObjects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuarantineEvicted))

	q.Put(entry(nil, 2, 8))
	assert.Equal(t, 1, q.Reduce())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuarantineReduces))
}

func TestConcurrentPutNeverExceedsCeiling(t *testing.T) {
	rec := &recorder{}
	const maxBytes = 4096
	q := New(Config{MaxBytes: maxBytes, BatchBytes: 512}, rec, nil, nil)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				q.Put(entry(nil, w*1000+i, 64))
				if st := q.Stats(); st.Bytes > maxBytes {
					t.Errorf("quarantine holds %d bytes, ceiling %d", st.Bytes, maxBytes)
				}
				q.Reduce()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := q.Stats()
	assert.Equal(t, 8*200, int(st.Evicted)+st.Objects)
	assert.Len(t, rec.released(), int(st.Evicted))
}
