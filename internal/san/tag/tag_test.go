package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kolkov/slabsan/internal/san/config"
)

// seq returns a Source cycling through bytes.
func seq(bytes ...uint8) Source {
	i := 0
	return SourceFunc(func() uint8 {
		b := bytes[i%len(bytes)]
		i++
		return b
	})
}

func TestPackUnpack(t *testing.T) {
	p := Pointer{Addr: 0xffff888000001040, Tag: 0x2a}

	packed := Pack(p)
	assert.Equal(t, uint64(0x2aff888000001040), packed)
	assert.Equal(t, p, Unpack(packed))

	assert.Equal(t, At(p.Addr), Unpack(Pack(At(p.Addr))))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches(Kernel, 0x10))
	assert.True(t, Matches(0x10, 0x10))
	assert.False(t, Matches(0x10, 0x11))
	assert.False(t, Matches(0x10, Invalid))
}

func TestRandomNeverReserved(t *testing.T) {
	for b := 0; b < 256; b++ {
		got := Random(seq(uint8(b)))
		assert.LessOrEqual(t, got, Max, "byte %#x", b)
	}
}

func TestAssignGenericAlwaysMatchAll(t *testing.T) {
	a := NewAssigner(config.ModeGeneric, seq(7), false)

	for _, r := range []Request{
		{Init: true},
		{HasConstructor: true, Current: 3},
		{Keep: true, Current: 9},
	} {
		assert.Equal(t, Kernel, a.Assign(r))
	}
	assert.Equal(t, Kernel, a.Random())
}

func TestAssignTags(t *testing.T) {
	tests := []struct {
		name    string
		indexed bool
		req     Request
		want    Tag
	}{
		{"keep wins", false, Request{Keep: true, Current: 0x33, HasConstructor: true}, 0x33},
		{"plain init", false, Request{Init: true}, Kernel},
		{"plain alloc", false, Request{Current: 0x33}, 0x07},
		{"ctor init", false, Request{HasConstructor: true, Init: true}, 0x07},
		{"ctor reuse", false, Request{HasConstructor: true, Current: 0x33}, 0x33},
		{"rcu reuse", false, Request{TypesafeRCU: true, Current: 0x44}, 0x44},
		{"indexed init", true, Request{HasConstructor: true, Init: true, SlotIndex: 5}, 5},
		{"indexed reuse", true, Request{TypesafeRCU: true, Current: 0x33, SlotIndex: 6}, 6},
		{"indexed wraps", true, Request{HasConstructor: true, SlotIndex: int(Max) + 2}, 1},
		{"indexed plain stays random", true, Request{SlotIndex: 6}, 0x07},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssigner(config.ModeTags, seq(0x07), tt.indexed)
			assert.Equal(t, tt.indexed, a.Indexed())
			assert.Equal(t, tt.want, a.Assign(tt.req))
		})
	}
}

func TestAssignAdjacentSlotsDiffer(t *testing.T) {
	a := NewAssigner(config.ModeTags, nil, true)

	prev := a.Assign(Request{HasConstructor: true, Init: true, SlotIndex: 0})
	for i := 1; i < 64; i++ {
		cur := a.Assign(Request{HasConstructor: true, Init: true, SlotIndex: i})
		assert.NotEqual(t, prev, cur, "slots %d and %d", i-1, i)
		prev = cur
	}
}
