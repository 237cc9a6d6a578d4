package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestFrameManager(t *testing.T, capacity int) *FrameManager {
	t.Helper()
	m := NewFrameManager(zaptest.NewLogger(t), nil)
	require.NoError(t, m.Init(capacity))
	return m
}

func TestFrameManagerAllocGetFree(t *testing.T) {
	m := newTestFrameManager(t, 2)
	assert.Equal(t, 2, m.TotalFrameCount())
	assert.Equal(t, 0, m.FrameCount())

	f1 := m.Alloc(1, 10)
	require.NotNil(t, f1)
	assert.Equal(t, 1, f1.PinCount())
	assert.Equal(t, 1, m.FrameCount())

	// A hit pins the frame again and is atomic with the LRU touch.
	got := m.Get(1, 10)
	assert.Same(t, f1, got)
	assert.Equal(t, 2, f1.PinCount())
	got.Unpin()

	assert.Nil(t, m.Get(1, 99), "miss returns nil")

	f2 := m.Alloc(1, 20)
	require.NotNil(t, f2)

	// Arena exhausted: alloc fails, callers must purge first.
	assert.Nil(t, m.Alloc(1, 30))

	require.NoError(t, m.Free(1, 10, f1))
	assert.Equal(t, 1, m.FrameCount())

	f3 := m.Alloc(1, 30)
	require.NotNil(t, f3)
}

func TestFrameManagerFindList(t *testing.T) {
	m := newTestFrameManager(t, 4)

	a := m.Alloc(1, 1)
	b := m.Alloc(1, 2)
	c := m.Alloc(2, 1)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	frames := m.FindList(1)
	assert.Len(t, frames, 2)
	for _, f := range frames {
		assert.Equal(t, int32(1), f.BufferPoolID())
		assert.Equal(t, 2, f.PinCount(), "walker holds an extra pin")
		f.Unpin()
	}
}

func TestFrameManagerPurgeFrames(t *testing.T) {
	m := newTestFrameManager(t, 3)

	a := m.Alloc(1, 1)
	b := m.Alloc(1, 2)
	c := m.Alloc(1, 3)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	// Only unpinned frames are candidates.
	a.Unpin()
	b.Unpin()

	var purged []int32
	freed := m.PurgeFrames(1, func(f *Frame) error {
		purged = append(purged, f.PageNum())
		return nil
	})
	assert.Equal(t, 1, freed)
	// The scan starts from the least recently used end: page 1.
	assert.Equal(t, []int32{1}, purged)
	assert.Equal(t, 2, m.FrameCount())

	// A purger failure leaves the frame cached.
	failed := m.PurgeFrames(1, func(f *Frame) error {
		return assert.AnError
	})
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, m.FrameCount())

	// count <= 0 is treated as one.
	freed = m.PurgeFrames(0, func(f *Frame) error { return nil })
	assert.Equal(t, 1, freed)
}

func TestFrameManagerLRUOrder(t *testing.T) {
	m := newTestFrameManager(t, 3)

	for n := int32(1); n <= 3; n++ {
		f := m.Alloc(1, n)
		require.NotNil(t, f)
		f.Unpin()
	}

	// Touch page 1 so page 2 becomes the LRU victim.
	m.Get(1, 1).Unpin()

	var order []int32
	m.PurgeFrames(3, func(f *Frame) error {
		order = append(order, f.PageNum())
		return nil
	})
	assert.Equal(t, []int32{2, 3, 1}, order)
}

func TestFrameManagerCleanup(t *testing.T) {
	m := newTestFrameManager(t, 2)
	f := m.Alloc(1, 1)
	require.NotNil(t, f)

	assert.Error(t, m.Cleanup(), "cleanup refuses while frames are cached")

	require.NoError(t, m.Free(1, 1, f))
	assert.NoError(t, m.Cleanup())
}
