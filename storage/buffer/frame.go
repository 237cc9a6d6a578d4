// Package buffer implements the paged buffer pool: a process-wide frame
// manager with LRU replacement, per-file buffer pools, and the
// double-write buffer that makes page flushes atomic against torn
// writes.
package buffer

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stonedb/stonedb/storage/page"
)

// FrameID uniquely identifies a cached page across all buffer pools.
type FrameID struct {
	BufferPoolID int32
	PageNum      page.PageNum
}

// InvalidFrameID is the id of an unassigned frame.
var InvalidFrameID = FrameID{BufferPoolID: -1, PageNum: page.InvalidPageNum}

// IsValid reports whether the id refers to a real cached page.
func (id FrameID) IsValid() bool {
	return id.BufferPoolID >= 0 && id.PageNum != page.InvalidPageNum
}

func (id FrameID) String() string {
	return fmt.Sprintf("frame_id(buffer_pool_id=%d, page_num=%d)", id.BufferPoolID, id.PageNum)
}

// Frame is one in-memory slot holding a page plus bookkeeping. Frames are
// owned by the frame manager's allocator; their memory lives for the
// whole process.
type Frame struct {
	pinCount atomic.Int32
	accTime  atomic.Int64 // monotonic nanoseconds of last access
	id       FrameID
	page     page.Page

	// latch guards the data region when multiple pin holders touch the
	// same page. Higher layers pin, then lock.
	latch sync.Mutex

	lruElem *list.Element // maintained by the frame manager
}

// Reset returns the frame to its pristine state.
func (f *Frame) Reset() {
	f.pinCount.Store(0)
	f.accTime.Store(0)
	f.id = InvalidFrameID
	f.lruElem = nil
	f.page.Init()
}

// Pin increments the reference count.
func (f *Frame) Pin() { f.pinCount.Add(1) }

// Unpin decrements the reference count, saturating at zero.
func (f *Frame) Unpin() {
	for {
		cur := f.pinCount.Load()
		if cur == 0 {
			return
		}
		if f.pinCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// PinCount returns the current reference count.
func (f *Frame) PinCount() int { return int(f.pinCount.Load()) }

// CanPurge reports whether the frame is unreferenced.
func (f *Frame) CanPurge() bool { return f.pinCount.Load() == 0 }

// Access stamps the last-access time used by LRU replacement.
func (f *Frame) Access() { f.accTime.Store(time.Now().UnixNano()) }

// AccessTime returns the last-access timestamp.
func (f *Frame) AccessTime() int64 { return f.accTime.Load() }

// FrameID returns the frame's identity.
func (f *Frame) FrameID() FrameID { return f.id }

// Page returns the held page.
func (f *Frame) Page() *page.Page { return &f.page }

// Data returns the page's data region.
func (f *Frame) Data() []byte { return f.page.Data() }

// PageNum returns the held page's number.
func (f *Frame) PageNum() page.PageNum { return f.id.PageNum }

// SetPageNum updates both the frame identity and the page header.
func (f *Frame) SetPageNum(num page.PageNum) {
	f.id.PageNum = num
	f.page.SetNum(num)
}

// BufferPoolID returns the owning pool's id.
func (f *Frame) BufferPoolID() int32 { return f.id.BufferPoolID }

// SetBufferPoolID assigns the owning pool.
func (f *Frame) SetBufferPoolID(id int32) { f.id.BufferPoolID = id }

// LSN returns the page's log sequence number.
func (f *Frame) LSN() page.LSN { return f.page.LSN() }

// SetLSN stamps the page's log sequence number.
func (f *Frame) SetLSN(lsn page.LSN) { f.page.SetLSN(lsn) }

// PageType returns the page's type tag.
func (f *Frame) PageType() page.Type { return f.page.Type() }

// SetPageType sets the page's type tag.
func (f *Frame) SetPageType(t page.Type) { f.page.SetType(t) }

// IsDirty reports whether the in-memory content differs from disk.
func (f *Frame) IsDirty() bool { return f.page.HasFlag(page.FlagDirty) }

// MarkDirty flags the page as modified.
func (f *Frame) MarkDirty() { f.page.SetFlag(page.FlagDirty) }

// ClearDirty clears the modified flag.
func (f *Frame) ClearDirty() { f.page.ClearFlag(page.FlagDirty) }

// Lock acquires the frame's data latch.
func (f *Frame) Lock() { f.latch.Lock() }

// Unlock releases the frame's data latch.
func (f *Frame) Unlock() { f.latch.Unlock() }

// CalcChecksum recomputes the page checksum.
func (f *Frame) CalcChecksum() { f.page.CalcChecksum() }

// VerifyChecksum validates the page checksum.
func (f *Frame) VerifyChecksum() bool { return f.page.VerifyChecksum() }

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%s, pin=%d, lsn=%d, dirty=%t)",
		f.id, f.PinCount(), f.LSN(), f.IsDirty())
}
