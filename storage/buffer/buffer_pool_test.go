package buffer

import (
	"math/bits"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stonedb/stonedb/storage/clog"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// newTestManager builds a manager with a vacuous log handler and a
// vacuous double-write buffer.
func newTestManager(t *testing.T, frameCapacity int) *BufferPoolManager {
	t.Helper()
	m, err := NewBufferPoolManager(frameCapacity, clog.VacuousHandler{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return m
}

func popcountBitmap(bp *BufferPool) int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	count := 0
	for _, b := range bp.header.frame.Data()[bpHeaderBitmapOff:] {
		count += bits.OnesCount8(b)
	}
	return count
}

func TestBufferPoolCreateAndReopen(t *testing.T) {
	m := newTestManager(t, 16)
	path := filepath.Join(t.TempDir(), "test.db")

	bp, err := m.OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, int32(1), bp.ID())
	assert.Equal(t, int32(1), bp.PageCount())
	assert.Equal(t, int32(1), bp.AllocatedPages())

	// Opening the same file twice is a state error.
	_, err = m.OpenFile(path)
	assert.ErrorIs(t, err, dberr.ErrBufferPoolOpened)

	require.NoError(t, m.CloseFile(path))

	// Reopening reads the persisted id instead of assigning a new one.
	bp2, err := m.OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, int32(1), bp2.ID())
	require.NoError(t, m.CloseFile(path))
}

func TestBufferPoolAllocateAndFetch(t *testing.T) {
	m := newTestManager(t, 16)
	path := filepath.Join(t.TempDir(), "alloc.db")
	bp, err := m.OpenFile(path)
	require.NoError(t, err)

	frame, err := bp.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, int32(1), frame.PageNum())
	assert.True(t, frame.IsDirty())
	assert.Equal(t, 1, frame.PinCount())

	copy(frame.Data(), []byte("first page"))
	bp.UnpinPage(frame)

	assert.Equal(t, int32(2), bp.PageCount())
	assert.Equal(t, int32(2), bp.AllocatedPages())
	assert.Equal(t, int(bp.AllocatedPages()), popcountBitmap(bp))

	got, err := bp.GetThisPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first page"), got.Data()[:10])
	bp.UnpinPage(got)

	require.NoError(t, m.CloseFile(path))

	// The page survives a close/reopen cycle.
	bp, err = m.OpenFile(path)
	require.NoError(t, err)
	got, err = bp.GetThisPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("first page"), got.Data()[:10])
	bp.UnpinPage(got)
	require.NoError(t, m.CloseFile(path))
}

func TestBufferPoolInvalidPageNum(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "invalid.db"))
	require.NoError(t, err)

	_, err = bp.GetThisPage(-1)
	assert.ErrorIs(t, err, dberr.ErrInvalidPageNum)

	_, err = bp.GetThisPage(7)
	assert.ErrorIs(t, err, dberr.ErrInvalidPageNum, "page beyond page_count")

	frame, err := bp.AllocatePage()
	require.NoError(t, err)
	num := frame.PageNum()
	bp.UnpinPage(frame)
	require.NoError(t, bp.DisposePage(num))

	_, err = bp.GetThisPage(num)
	assert.ErrorIs(t, err, dberr.ErrInvalidPageNum, "bitmap bit cleared")
}

func TestBufferPoolDispose(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "dispose.db"))
	require.NoError(t, err)

	var nums []page.PageNum
	for i := 0; i < 3; i++ {
		frame, err := bp.AllocatePage()
		require.NoError(t, err)
		nums = append(nums, frame.PageNum())
		bp.UnpinPage(frame)
	}
	assert.Equal(t, []page.PageNum{1, 2, 3}, nums)

	require.NoError(t, bp.DisposePage(2))
	assert.Equal(t, int32(3), bp.AllocatedPages())
	assert.Equal(t, int(bp.AllocatedPages()), popcountBitmap(bp))
	// page_count keeps holes.
	assert.Equal(t, int32(4), bp.PageCount())

	assert.ErrorIs(t, bp.DisposePage(0), dberr.ErrInvalidPageNum)

	// The freed number is reused by the next allocation.
	frame, err := bp.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, int32(2), frame.PageNum())
	bp.UnpinPage(frame)
}

func TestBufferPoolLRUReplacement(t *testing.T) {
	// Two data frames on top of the permanently pinned header frame.
	m := newTestManager(t, 3)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "lru.db"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		frame, err := bp.AllocatePage()
		require.NoError(t, err)
		bp.UnpinPage(frame)
	}
	require.NoError(t, bp.PurgeAllPages())

	fetch := func(n page.PageNum) {
		frame, err := bp.GetThisPage(n)
		require.NoError(t, err)
		bp.UnpinPage(frame)
	}

	fetch(1)
	fetch(2)
	fetch(1)
	fetch(3) // evicts page 2, the least recently used

	fm := m.FrameManager()
	assert.Nil(t, fm.Get(bp.ID(), 2), "page 2 was evicted")

	f1 := fm.Get(bp.ID(), 1)
	require.NotNil(t, f1, "page 1 is still cached")
	f1.Unpin()

	f3 := fm.Get(bp.ID(), 3)
	require.NotNil(t, f3, "page 3 is still cached")
	f3.Unpin()
}

func TestBufferPoolExhaustionWithPinnedPages(t *testing.T) {
	m := newTestManager(t, 3)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "full.db"))
	require.NoError(t, err)

	// Hold pins on two frames; with the header pin the arena is full
	// and nothing is purgeable.
	f1, err := bp.AllocatePage()
	require.NoError(t, err)
	f2, err := bp.AllocatePage()
	require.NoError(t, err)

	_, err = bp.AllocatePage()
	assert.ErrorIs(t, err, dberr.ErrBufferPoolFull)

	// Releasing a pin makes the next allocation purge and succeed.
	bp.UnpinPage(f2)
	f3, err := bp.AllocatePage()
	require.NoError(t, err)
	bp.UnpinPage(f3)
	bp.UnpinPage(f1)
}

func TestBufferPoolFileFull(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "exhausted.db"))
	require.NoError(t, err)

	// Mark every addressable page allocated straight in the header.
	bp.mu.Lock()
	bits := bp.header.frame.Data()[bpHeaderBitmapOff:]
	for i := range bits {
		bits[i] = 0xFF
	}
	bp.header.setAllocatedPages(MaxPageNum)
	bp.header.setPageCount(MaxPageNum)
	bp.mu.Unlock()

	_, err = bp.AllocatePage()
	assert.ErrorIs(t, err, dberr.ErrFileFull)

	// Clearing one bit makes exactly that page allocatable again.
	bp.mu.Lock()
	bp.header.bitmap().Clear(99)
	bp.header.setAllocatedPages(MaxPageNum - 1)
	bp.mu.Unlock()

	frame, err := bp.AllocatePage()
	require.NoError(t, err)
	assert.Equal(t, page.PageNum(99), frame.PageNum())
	bp.UnpinPage(frame)
}

func TestBufferPoolFlushAndVerify(t *testing.T) {
	m := newTestManager(t, 16)
	path := filepath.Join(t.TempDir(), "flush.db")
	bp, err := m.OpenFile(path)
	require.NoError(t, err)

	frame, err := bp.AllocatePage()
	require.NoError(t, err)
	num := frame.PageNum()
	copy(frame.Data(), []byte("durable bytes"))
	require.NoError(t, bp.FlushPage(frame))
	assert.False(t, frame.IsDirty())
	bp.UnpinPage(frame)

	// Flushing a clean frame is a no-op.
	require.NoError(t, bp.FlushPage(frame))

	var onDisk page.Page
	require.NoError(t, bp.ReadPageImage(num, &onDisk))
	assert.True(t, onDisk.VerifyChecksum())
	assert.Equal(t, []byte("durable bytes"), onDisk.Data()[:13])
}

func TestBufferPoolRedoIdempotence(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "redo.db"))
	require.NoError(t, err)

	require.NoError(t, bp.RedoAllocatePage(5, 3))
	alloc := bp.AllocatedPages()
	count := bp.PageCount()

	// Replaying the same record changes nothing.
	require.NoError(t, bp.RedoAllocatePage(5, 3))
	assert.Equal(t, alloc, bp.AllocatedPages())
	assert.Equal(t, count, bp.PageCount())
	assert.Equal(t, int(alloc), popcountBitmap(bp))

	require.NoError(t, bp.RedoDeallocatePage(6, 3))
	require.NoError(t, bp.RedoDeallocatePage(6, 3))
	assert.Equal(t, alloc-1, bp.AllocatedPages())
	assert.Equal(t, int(bp.AllocatedPages()), popcountBitmap(bp))

	// Stale records are ignored.
	require.NoError(t, bp.RedoAllocatePage(2, 1))
	assert.Equal(t, alloc-1, bp.AllocatedPages())
}

func TestBufferPoolIterator(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "iter.db"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		frame, err := bp.AllocatePage()
		require.NoError(t, err)
		bp.UnpinPage(frame)
	}
	require.NoError(t, bp.DisposePage(3))

	var it BufferPoolIterator
	require.NoError(t, it.Init(bp, 1))

	var pages []page.PageNum
	for it.HasNext() {
		pages = append(pages, it.Next())
	}
	assert.Equal(t, []page.PageNum{1, 2, 4}, pages)

	require.NoError(t, it.Reset())
	assert.True(t, it.HasNext())
	assert.Equal(t, page.PageNum(1), it.Next())
}

func TestBufferPoolCheckAllPagesUnpinned(t *testing.T) {
	m := newTestManager(t, 16)
	bp, err := m.OpenFile(filepath.Join(t.TempDir(), "pins.db"))
	require.NoError(t, err)

	frame, err := bp.AllocatePage()
	require.NoError(t, err)

	assert.ErrorIs(t, bp.CheckAllPagesUnpinned(), dberr.ErrPageUnpin)

	bp.UnpinPage(frame)
	assert.NoError(t, bp.CheckAllPagesUnpinned())
}
