package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/internal/bitmap"
	"github.com/stonedb/stonedb/internal/iox"
	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/clog"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// Pool file header layout, at the start of page 0's data region.
const (
	bpHeaderIDOff        = 0
	bpHeaderPageCountOff = 4
	bpHeaderAllocOff     = 8
	bpHeaderBitmapOff    = 12
)

// MaxPageNum is the largest page count one pool file can address: one
// bit per page in the header page's remaining data region.
const MaxPageNum = (page.DataSize - bpHeaderBitmapOff) * 8

// fileHeader is a view over the cached header frame. Mutations write
// straight into the frame's page image, so flushing the frame persists
// the header.
type fileHeader struct {
	frame *Frame
}

func (h fileHeader) bufferPoolID() int32 {
	return int32(binary.LittleEndian.Uint32(h.frame.Data()[bpHeaderIDOff:]))
}

func (h fileHeader) pageCount() int32 {
	return int32(binary.LittleEndian.Uint32(h.frame.Data()[bpHeaderPageCountOff:]))
}

func (h fileHeader) setPageCount(n int32) {
	binary.LittleEndian.PutUint32(h.frame.Data()[bpHeaderPageCountOff:], uint32(n))
}

func (h fileHeader) allocatedPages() int32 {
	return int32(binary.LittleEndian.Uint32(h.frame.Data()[bpHeaderAllocOff:]))
}

func (h fileHeader) setAllocatedPages(n int32) {
	binary.LittleEndian.PutUint32(h.frame.Data()[bpHeaderAllocOff:], uint32(n))
}

func (h fileHeader) bitmap() bitmap.Bitmap {
	return bitmap.New(h.frame.Data()[bpHeaderBitmapOff:], MaxPageNum)
}

func (h fileHeader) String() string {
	return fmt.Sprintf("bp_file_header(id=%d, page_count=%d, allocated_pages=%d)",
		h.bufferPoolID(), h.pageCount(), h.allocatedPages())
}

// BufferPool caches the pages of one database file. It shares the
// process-wide frame manager, the log handler, and the double-write
// buffer with every other pool.
type BufferPool struct {
	manager    *BufferPoolManager
	frames     *FrameManager
	dblwr      DoubleWriteBuffer
	logHandler bufferPoolLogHandler

	// mu guards the file header, the allocation bitmap, and the
	// disposed set. It is not held during page I/O.
	mu sync.Mutex

	file     *os.File
	filename string
	id       int32
	hdrFrame *Frame
	header   fileHeader
	disposed map[page.PageNum]struct{}

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

func newBufferPool(manager *BufferPoolManager, frames *FrameManager, dblwr DoubleWriteBuffer,
	handler clog.Handler, logger *zap.Logger, metrics *telemetry.Metrics) *BufferPool {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	bp := &BufferPool{
		manager:  manager,
		frames:   frames,
		dblwr:    dblwr,
		id:       -1,
		disposed: make(map[page.PageNum]struct{}),
		logger:   logger,
		metrics:  metrics,
	}
	bp.logHandler = bufferPoolLogHandler{bp: bp, handler: handler}
	return bp
}

// ID returns the pool's globally unique id.
func (bp *BufferPool) ID() int32 { return bp.id }

// Filename returns the backing file path.
func (bp *BufferPool) Filename() string { return bp.filename }

// File returns the backing file.
func (bp *BufferPool) File() *os.File { return bp.file }

// OpenFile opens path, creating and formatting it if absent, and pins
// the header page for the lifetime of the pool.
func (bp *BufferPool) OpenFile(path string) error {
	if bp.file != nil {
		return fmt.Errorf("%w: %s", dberr.ErrFileOpened, bp.filename)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", dberr.ErrFileCreate, path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: stat %s: %v", dberr.ErrIORead, path, err)
	}

	if st.Size() == 0 {
		bp.id = bp.manager.nextBufferPoolID()
		if err := formatHeaderPage(f, bp.id); err != nil {
			f.Close()
			return err
		}
	} else {
		// The header frame cannot be fetched before the pool id is
		// known, so the id is read straight from the file.
		var idBuf [4]byte
		if err := iox.ReadAt(f, idBuf[:], page.HeaderSize+bpHeaderIDOff); err != nil {
			f.Close()
			return fmt.Errorf("%w: read buffer pool id from %s: %v", dberr.ErrIORead, path, err)
		}
		bp.id = int32(binary.LittleEndian.Uint32(idBuf[:]))
	}

	bp.file = f
	bp.filename = path

	hdrFrame, err := bp.allocateFrame(page.HeaderPageNum)
	if err != nil {
		bp.resetOpenState()
		return err
	}
	if err := bp.loadPage(page.HeaderPageNum, hdrFrame); err != nil {
		bp.frames.Free(bp.id, page.HeaderPageNum, hdrFrame)
		bp.resetOpenState()
		return err
	}
	bp.hdrFrame = hdrFrame
	bp.header = fileHeader{frame: hdrFrame}

	bp.logger.Info("buffer pool file opened",
		zap.String("file", path),
		zap.Int32("buffer_pool_id", bp.id),
		zap.String("header", bp.header.String()))
	return nil
}

func (bp *BufferPool) resetOpenState() {
	bp.file.Close()
	bp.file = nil
	bp.filename = ""
	bp.id = -1
}

// formatHeaderPage writes a fresh header page: bit 0 set, one page
// allocated.
func formatHeaderPage(f *os.File, bufferPoolID int32) error {
	var pg page.Page
	pg.Init()
	pg.SetNum(page.HeaderPageNum)
	pg.SetType(page.TypeHeader)

	data := pg.Data()
	binary.LittleEndian.PutUint32(data[bpHeaderIDOff:], uint32(bufferPoolID))
	binary.LittleEndian.PutUint32(data[bpHeaderPageCountOff:], 1)
	binary.LittleEndian.PutUint32(data[bpHeaderAllocOff:], 1)
	bitmap.New(data[bpHeaderBitmapOff:], MaxPageNum).Set(0)
	pg.CalcChecksum()

	if err := iox.WriteAt(f, pg.Bytes(), 0); err != nil {
		return fmt.Errorf("%w: write header page: %v", dberr.ErrIOWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync header page: %v", dberr.ErrIOWrite, err)
	}
	return nil
}

// CloseFile flushes every cached page, releases the permanent header
// pin, and closes the file.
func (bp *BufferPool) CloseFile() error {
	if bp.file == nil {
		return dberr.ErrFileNotOpen
	}

	if err := bp.FlushAllPages(); err != nil {
		return err
	}
	if err := bp.dblwr.ClearPages(bp); err != nil {
		return err
	}

	bp.hdrFrame.Unpin()
	bp.hdrFrame = nil
	bp.header = fileHeader{}
	if err := bp.purgeAllLocked(); err != nil {
		return err
	}

	err := bp.file.Close()
	bp.file = nil
	bp.logger.Info("buffer pool file closed",
		zap.String("file", bp.filename), zap.Int32("buffer_pool_id", bp.id))
	bp.filename = ""
	return err
}

// checkPageNum validates that pageNum refers to an allocated page.
// Caller holds bp.mu.
func (bp *BufferPool) checkPageNum(pageNum page.PageNum) error {
	if pageNum < 0 || pageNum >= bp.header.pageCount() || !bp.header.bitmap().Get(int(pageNum)) {
		return fmt.Errorf("%w: page_num=%d, page_count=%d",
			dberr.ErrInvalidPageNum, pageNum, bp.header.pageCount())
	}
	return nil
}

// GetThisPage returns the pinned frame for an allocated page, loading it
// from the double-write buffer or the file on a miss.
func (bp *BufferPool) GetThisPage(pageNum page.PageNum) (*Frame, error) {
	bp.mu.Lock()
	err := bp.checkPageNum(pageNum)
	bp.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if frame := bp.frames.Get(bp.id, pageNum); frame != nil {
		bp.metrics.FetchHit()
		frame.Access()
		return frame, nil
	}
	bp.metrics.FetchMiss()

	frame, err := bp.allocateFrame(pageNum)
	if err != nil {
		return nil, err
	}
	if err := bp.loadPage(pageNum, frame); err != nil {
		bp.frames.Free(bp.id, pageNum, frame)
		return nil, err
	}
	frame.Access()
	return frame, nil
}

// allocateFrame obtains a free frame, purging one LRU victim if the
// arena is exhausted.
func (bp *BufferPool) allocateFrame(pageNum page.PageNum) (*Frame, error) {
	if frame := bp.frames.Alloc(bp.id, pageNum); frame != nil {
		return frame, nil
	}

	bp.frames.PurgeFrames(1, bp.manager.purgeFrame)

	if frame := bp.frames.Alloc(bp.id, pageNum); frame != nil {
		return frame, nil
	}
	bp.logger.Warn("buffer pool is full and no frame can be purged",
		zap.Int32("buffer_pool_id", bp.id), zap.Int32("page_num", pageNum))
	return nil, dberr.ErrBufferPoolFull
}

// loadPage fills the frame with the page image. A copy still staged in
// the double-write buffer is authoritative over the file.
func (bp *BufferPool) loadPage(pageNum page.PageNum, frame *Frame) error {
	err := bp.dblwr.ReadPage(bp, pageNum, frame.Page())
	if err == nil {
		frame.ClearDirty()
		return nil
	}
	if !errors.Is(err, dberr.ErrInvalidPageNum) {
		return err
	}

	if err := iox.ReadAt(bp.file, frame.Page().Bytes(), int64(pageNum)*page.Size); err != nil {
		return fmt.Errorf("%w: read page %d from %s: %v", dberr.ErrIORead, pageNum, bp.filename, err)
	}
	if !frame.VerifyChecksum() {
		return fmt.Errorf("%w: checksum mismatch on page %d of %s",
			dberr.ErrFileCorrupted, pageNum, bp.filename)
	}
	// Just read from disk, so it's clean.
	frame.ClearDirty()
	return nil
}

// AllocatePage finds the first free page number, logs the allocation,
// and returns a zeroed, pinned, dirty frame stamped with the record's
// LSN.
func (bp *BufferPool) AllocatePage() (*Frame, error) {
	bp.mu.Lock()
	bm := bp.header.bitmap()
	pageNum := page.PageNum(bm.NextZeroBit(1))
	if pageNum < 0 {
		bp.mu.Unlock()
		return nil, fmt.Errorf("%w: all %d pages allocated in %s",
			dberr.ErrFileFull, MaxPageNum, bp.filename)
	}

	lsn, err := bp.logHandler.appendAllocate(pageNum)
	if err != nil {
		bp.mu.Unlock()
		return nil, err
	}

	bm.Set(int(pageNum))
	bp.header.setAllocatedPages(bp.header.allocatedPages() + 1)
	if pageNum >= bp.header.pageCount() {
		bp.header.setPageCount(pageNum + 1)
	}
	bp.hdrFrame.MarkDirty()
	bp.hdrFrame.SetLSN(lsn)
	delete(bp.disposed, pageNum)
	bp.mu.Unlock()

	frame, err := bp.allocateFrame(pageNum)
	if err != nil {
		// Undo the bitmap reservation; page_count stays monotone.
		bp.mu.Lock()
		bp.header.bitmap().Clear(int(pageNum))
		bp.header.setAllocatedPages(bp.header.allocatedPages() - 1)
		bp.mu.Unlock()
		bp.logger.Warn("failed to allocate frame for new page",
			zap.Int32("page_num", pageNum), zap.Error(err))
		return nil, err
	}

	frame.Page().Init()
	frame.SetPageNum(pageNum)
	frame.SetLSN(lsn)
	frame.MarkDirty()
	frame.Access()
	bp.metrics.PageAllocated()
	return frame, nil
}

// DisposePage logs the deallocation, clears the allocation bit, and
// drops any cached frame without flushing it.
func (bp *BufferPool) DisposePage(pageNum page.PageNum) error {
	bp.mu.Lock()
	if pageNum == page.HeaderPageNum {
		bp.mu.Unlock()
		return fmt.Errorf("%w: cannot dispose header page", dberr.ErrInvalidPageNum)
	}
	if err := bp.checkPageNum(pageNum); err != nil {
		bp.mu.Unlock()
		return err
	}

	lsn, err := bp.logHandler.appendDeallocate(pageNum)
	if err != nil {
		bp.mu.Unlock()
		return err
	}

	bp.header.bitmap().Clear(int(pageNum))
	bp.header.setAllocatedPages(bp.header.allocatedPages() - 1)
	bp.hdrFrame.MarkDirty()
	bp.hdrFrame.SetLSN(lsn)
	bp.disposed[pageNum] = struct{}{}
	bp.mu.Unlock()

	if frame := bp.frames.Get(bp.id, pageNum); frame != nil {
		if frame.PinCount() > 1 {
			frame.Unpin()
			return fmt.Errorf("%w: disposed page %d is still pinned", dberr.ErrPageUnpin, pageNum)
		}
		frame.ClearDirty()
		bp.frames.Free(bp.id, pageNum, frame)
	}
	return nil
}

// UnpinPage releases one pin on a frame.
func (bp *BufferPool) UnpinPage(frame *Frame) error {
	frame.Unpin()
	return nil
}

// FlushPage makes a dirty frame durable: the WAL is forced up to the
// frame's LSN, the checksum is recomputed, and the image goes through
// the double-write buffer.
func (bp *BufferPool) FlushPage(frame *Frame) error {
	return bp.flushPageInternal(frame)
}

func (bp *BufferPool) flushPageInternal(frame *Frame) error {
	if !frame.IsDirty() {
		return nil
	}

	// Write-ahead invariant: the page's LSN must be durable first.
	if err := bp.logHandler.waitLSN(frame.LSN()); err != nil {
		return err
	}

	frame.CalcChecksum()
	if err := bp.dblwr.AddPage(bp, frame.PageNum(), frame.Page()); err != nil {
		return err
	}
	frame.ClearDirty()
	return nil
}

// FlushAllPages flushes every cached frame of this pool.
func (bp *BufferPool) FlushAllPages() error {
	var firstErr error
	for _, frame := range bp.frames.FindList(bp.id) {
		if err := bp.flushPageInternal(frame); err != nil && firstErr == nil {
			firstErr = err
		}
		frame.Unpin()
	}
	return firstErr
}

// PurgePage evicts one cached page, flushing it first if dirty.
func (bp *BufferPool) PurgePage(pageNum page.PageNum) error {
	frame := bp.frames.Get(bp.id, pageNum)
	if frame == nil {
		return nil
	}
	return bp.purgeFrame(frame)
}

// purgeFrame flushes and frees one frame the caller just pinned.
func (bp *BufferPool) purgeFrame(frame *Frame) error {
	if frame.PinCount() > 1 {
		frame.Unpin()
		return fmt.Errorf("%w: page %d pinned while purging", dberr.ErrPageUnpin, frame.PageNum())
	}
	if err := bp.flushPageInternal(frame); err != nil {
		frame.Unpin()
		return err
	}
	return bp.frames.Free(bp.id, frame.PageNum(), frame)
}

// PurgeAllPages evicts every cached page of this pool.
func (bp *BufferPool) PurgeAllPages() error {
	return bp.purgeAllLocked()
}

func (bp *BufferPool) purgeAllLocked() error {
	var firstErr error
	for _, frame := range bp.frames.FindList(bp.id) {
		if frame.PinCount() > 1 {
			// Someone still holds the page; leave it cached.
			frame.Unpin()
			continue
		}
		if err := bp.purgeFrame(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckAllPagesUnpinned verifies no caller leaked a pin. The header page
// keeps its single permanent pin.
func (bp *BufferPool) CheckAllPagesUnpinned() error {
	var firstErr error
	for _, frame := range bp.frames.FindList(bp.id) {
		frame.Unpin()
		expected := 0
		if frame.PageNum() == page.HeaderPageNum {
			expected = 1
		}
		if frame.PinCount() > expected {
			bp.logger.Warn("page still pinned",
				zap.Int32("page_num", frame.PageNum()),
				zap.Int("pin_count", frame.PinCount()))
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: page %d pin_count=%d",
					dberr.ErrPageUnpin, frame.PageNum(), frame.PinCount())
			}
		}
	}
	return firstErr
}

// WritePage writes a page image to its final position in the pool file.
// This is the double-write buffer's destination hook.
func (bp *BufferPool) WritePage(pageNum page.PageNum, pg *page.Page) error {
	if bp.file == nil {
		return dberr.ErrFileNotOpen
	}
	if err := iox.WriteAt(bp.file, pg.Bytes(), int64(pageNum)*page.Size); err != nil {
		return fmt.Errorf("%w: write page %d to %s: %v", dberr.ErrIOWrite, pageNum, bp.filename, err)
	}
	return nil
}

// ReadPageImage reads a page image straight from the pool file,
// bypassing the cache.
func (bp *BufferPool) ReadPageImage(pageNum page.PageNum, pg *page.Page) error {
	if bp.file == nil {
		return dberr.ErrFileNotOpen
	}
	if err := iox.ReadAt(bp.file, pg.Bytes(), int64(pageNum)*page.Size); err != nil {
		return fmt.Errorf("%w: read page %d from %s: %v", dberr.ErrIORead, pageNum, bp.filename, err)
	}
	return nil
}

// RecoverPage restores a torn on-disk page from the double-write buffer.
func (bp *BufferPool) RecoverPage(pageNum page.PageNum) error {
	var onDisk page.Page
	if err := bp.ReadPageImage(pageNum, &onDisk); err == nil && onDisk.VerifyChecksum() {
		return nil
	}

	var staged page.Page
	if err := bp.dblwr.ReadPage(bp, pageNum, &staged); err != nil {
		return fmt.Errorf("%w: page %d torn and no double write copy",
			dberr.ErrFileCorrupted, pageNum)
	}
	return bp.WritePage(pageNum, &staged)
}

// RedoAllocatePage reapplies an ALLOCATE record to the header. The
// mutation is skipped when the header already reflects the record.
func (bp *BufferPool) RedoAllocatePage(lsn page.LSN, pageNum page.PageNum) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.hdrFrame.LSN() >= lsn {
		return nil
	}
	if pageNum <= 0 || pageNum >= MaxPageNum {
		return fmt.Errorf("%w: redo allocate page_num=%d", dberr.ErrInvalidPageNum, pageNum)
	}

	bm := bp.header.bitmap()
	if !bm.Get(int(pageNum)) {
		bm.Set(int(pageNum))
		bp.header.setAllocatedPages(bp.header.allocatedPages() + 1)
	}
	if pageNum >= bp.header.pageCount() {
		bp.header.setPageCount(pageNum + 1)
	}
	bp.hdrFrame.MarkDirty()
	bp.hdrFrame.SetLSN(lsn)
	return nil
}

// RedoDeallocatePage reapplies a DEALLOCATE record to the header.
func (bp *BufferPool) RedoDeallocatePage(lsn page.LSN, pageNum page.PageNum) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.hdrFrame.LSN() >= lsn {
		return nil
	}
	if pageNum <= 0 || pageNum >= MaxPageNum {
		return fmt.Errorf("%w: redo deallocate page_num=%d", dberr.ErrInvalidPageNum, pageNum)
	}

	bm := bp.header.bitmap()
	if bm.Get(int(pageNum)) {
		bm.Clear(int(pageNum))
		bp.header.setAllocatedPages(bp.header.allocatedPages() - 1)
	}
	bp.hdrFrame.MarkDirty()
	bp.hdrFrame.SetLSN(lsn)
	return nil
}

// PageCount returns the total pages ever allocated, holes included.
func (bp *BufferPool) PageCount() int32 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.header.pageCount()
}

// AllocatedPages returns the number of set bits in the allocation map.
func (bp *BufferPool) AllocatedPages() int32 {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.header.allocatedPages()
}
