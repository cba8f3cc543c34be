// Copyright 2025 The slabsan Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"goroutine 1 [running]:\nmain.main()", 1},
		{"goroutine 123456 [chan receive]:", 123456},
		{"goroutine x [running]:", 0},
		{"gorout", 0},
		{"thread 5 [running]:", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseGID([]byte(tt.in)), "input %q", tt.in)
	}
}

func TestIDDistinctPerGoroutine(t *testing.T) {
	main := ID()
	assert.Positive(t, main)

	other := make(chan int64)
	go func() { other <- ID() }()

	got := <-other
	assert.Positive(t, got)
	assert.NotEqual(t, main, got)
	assert.Equal(t, main, ID(), "ID must be stable within a goroutine")
}

func TestDepthNesting(t *testing.T) {
	d := NewDepth()
	assert.False(t, d.Suppressed(7))

	d.Disable(7)
	d.Disable(7)
	assert.True(t, d.Suppressed(7))
	assert.False(t, d.Suppressed(8))

	d.Enable(7)
	assert.True(t, d.Suppressed(7))
	d.Enable(7)
	assert.False(t, d.Suppressed(7))

	// Unbalanced enable is ignored.
	d.Enable(7)
	assert.False(t, d.Suppressed(7))
}
