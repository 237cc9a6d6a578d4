package buffer

import (
	"github.com/stonedb/stonedb/internal/bitmap"
	"github.com/stonedb/stonedb/storage/page"
)

// BufferPoolIterator walks the allocated page numbers of one pool in
// ascending order, from a snapshot of the allocation bitmap.
type BufferPoolIterator struct {
	bits       []byte
	bm         bitmap.Bitmap
	startPage  page.PageNum
	currentNum page.PageNum
}

// Init snapshots the pool's allocation bitmap. Iteration starts at the
// first allocated page number >= startPage.
func (it *BufferPoolIterator) Init(bp *BufferPool, startPage page.PageNum) error {
	bp.mu.Lock()
	src := bp.header.frame.Data()[bpHeaderBitmapOff:]
	it.bits = make([]byte, len(src))
	copy(it.bits, src)
	bp.mu.Unlock()

	it.bm = bitmap.New(it.bits, MaxPageNum)
	if startPage < 0 {
		startPage = 0
	}
	it.startPage = startPage
	it.currentNum = startPage - 1
	return nil
}

// HasNext reports whether another allocated page follows.
func (it *BufferPoolIterator) HasNext() bool {
	return it.bm.NextOneBit(int(it.currentNum)+1) >= 0
}

// Next returns the next allocated page number, or page.InvalidPageNum
// when the snapshot is exhausted.
func (it *BufferPoolIterator) Next() page.PageNum {
	next := it.bm.NextOneBit(int(it.currentNum) + 1)
	if next < 0 {
		return page.InvalidPageNum
	}
	it.currentNum = page.PageNum(next)
	return it.currentNum
}

// Reset rewinds the iterator to its start page.
func (it *BufferPoolIterator) Reset() error {
	it.currentNum = it.startPage - 1
	return nil
}
