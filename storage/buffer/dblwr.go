package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/internal/iox"
	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// DoubleWriteBuffer stages page images before they reach their final
// destination so that a torn destination write can be repaired from the
// staged copy.
type DoubleWriteBuffer interface {
	// AddPage stages a page image bound for pool bp at pageNum.
	AddPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error

	// ReadPage copies a staged image into pg if one exists for
	// (bp, pageNum); otherwise it fails with dberr.ErrInvalidPageNum.
	ReadPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error

	// ClearPages pushes every staged image belonging to bp to its
	// destination and drops it from the staging area.
	ClearPages(bp *BufferPool) error
}

// DefaultMaxDblwrPages is the staging capacity that triggers a flush
// cycle.
const DefaultMaxDblwrPages = 16

const (
	dblwrHeaderSize = 4 // int32 page_cnt
	dblwrKeySize    = 8 // int32 buffer_pool_id + int32 page_num
	dblwrSlotSize   = dblwrKeySize + 4 + 1 + page.Size
)

type dblwrKey struct {
	bufferPoolID int32
	pageNum      page.PageNum
}

// dblwrPage is one staged slot: key, slot index, validity bit, and the
// full page image.
type dblwrPage struct {
	key       dblwrKey
	pageIndex int32
	valid     bool
	page      page.Page
}

func (p *dblwrPage) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.key.bufferPoolID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.key.pageNum))
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.pageIndex))
	if p.valid {
		buf[12] = 1
	} else {
		buf[12] = 0
	}
	copy(buf[13:], p.page.Bytes())
}

func (p *dblwrPage) decode(buf []byte) {
	p.key.bufferPoolID = int32(binary.LittleEndian.Uint32(buf[0:]))
	p.key.pageNum = int32(binary.LittleEndian.Uint32(buf[4:]))
	p.pageIndex = int32(binary.LittleEndian.Uint32(buf[8:]))
	p.valid = buf[12] != 0
	copy(p.page.Bytes(), buf[13:])
}

// DiskDoubleWriteBuffer is the production double-write buffer backed by
// one staging file. The staging file holds a small header (page count)
// followed by fixed-size slots.
type DiskDoubleWriteBuffer struct {
	mu sync.Mutex

	file     *os.File
	filename string
	maxPages int
	pageCnt  int32 // header: slots ever written in this cycle

	manager *BufferPoolManager
	pages   map[dblwrKey]*dblwrPage

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewDiskDoubleWriteBuffer creates a staging buffer bound to manager for
// destination-pool lookup during flush and recovery. maxPages <= 0
// selects the default.
func NewDiskDoubleWriteBuffer(manager *BufferPoolManager, maxPages int, logger *zap.Logger, metrics *telemetry.Metrics) *DiskDoubleWriteBuffer {
	if maxPages <= 0 {
		maxPages = DefaultMaxDblwrPages
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &DiskDoubleWriteBuffer{
		maxPages: maxPages,
		manager:  manager,
		pages:    make(map[dblwrKey]*dblwrPage),
		logger:   logger,
		metrics:  metrics,
	}
}

// OpenFile opens or creates the staging file and loads surviving slots.
func (d *DiskDoubleWriteBuffer) OpenFile(filename string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return fmt.Errorf("%w: double write buffer already opened: %s", dberr.ErrBufferPoolOpened, d.filename)
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", dberr.ErrFileCreate, filename, err)
	}
	d.file = f
	d.filename = filename
	return d.loadPages()
}

// Close flushes the remaining staged pages and closes the file.
func (d *DiskDoubleWriteBuffer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	if err := d.flushPages(); err != nil {
		return err
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// loadPages reads the slots recorded in the header, keeping only those
// whose payload checksum validates.
func (d *DiskDoubleWriteBuffer) loadPages() error {
	if len(d.pages) > 0 {
		return fmt.Errorf("%w: double write buffer not empty", dberr.ErrBufferPoolOpened)
	}

	var head [dblwrHeaderSize]byte
	err := iox.ReadAt(d.file, head[:], 0)
	if errors.Is(err, io.EOF) {
		// Fresh file.
		d.pageCnt = 0
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read double write header: %v", dberr.ErrIORead, err)
	}
	d.pageCnt = int32(binary.LittleEndian.Uint32(head[:]))

	slot := make([]byte, dblwrSlotSize)
	for i := int32(0); i < d.pageCnt; i++ {
		offset := int64(dblwrHeaderSize) + int64(i)*dblwrSlotSize
		if err := iox.ReadAt(d.file, slot, offset); err != nil {
			return fmt.Errorf("%w: read double write slot %d: %v", dberr.ErrIORead, i, err)
		}

		dp := &dblwrPage{}
		dp.decode(slot)
		if !dp.page.VerifyChecksum() {
			d.logger.Debug("discarding double write slot with invalid checksum",
				zap.Int32("slot", i),
				zap.Int32("buffer_pool_id", dp.key.bufferPoolID),
				zap.Int32("page_num", dp.key.pageNum))
			continue
		}
		d.pages[dp.key] = dp
	}

	d.logger.Info("double write buffer loaded",
		zap.String("file", d.filename), zap.Int("pages", len(d.pages)))
	return nil
}

// writeSlot persists one slot image at its file position.
func (d *DiskDoubleWriteBuffer) writeSlot(dp *dblwrPage) error {
	buf := make([]byte, dblwrSlotSize)
	dp.encode(buf)
	offset := int64(dblwrHeaderSize) + int64(dp.pageIndex)*dblwrSlotSize
	if err := iox.WriteAt(d.file, buf, offset); err != nil {
		return fmt.Errorf("%w: write double write slot %d: %v", dberr.ErrIOWrite, dp.pageIndex, err)
	}
	return nil
}

// writeHeader persists the slot count.
func (d *DiskDoubleWriteBuffer) writeHeader() error {
	var head [dblwrHeaderSize]byte
	binary.LittleEndian.PutUint32(head[:], uint32(d.pageCnt))
	if err := iox.WriteAt(d.file, head[:], 0); err != nil {
		return fmt.Errorf("%w: write double write header: %v", dberr.ErrIOWrite, err)
	}
	return nil
}

// AddPage stages a page image. A key already staged overwrites its slot
// in place; a new key takes the next slot. Reaching the staging capacity
// triggers a flush cycle.
func (d *DiskDoubleWriteBuffer) AddPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return dberr.ErrFileNotOpen
	}

	key := dblwrKey{bufferPoolID: bp.ID(), pageNum: pageNum}
	if dp, ok := d.pages[key]; ok {
		dp.page.CopyFrom(pg)
		dp.valid = true
		d.logger.Debug("double write cache hit",
			zap.Int32("buffer_pool_id", key.bufferPoolID),
			zap.Int32("page_num", key.pageNum),
			zap.Int64("lsn", pg.LSN()))
		return d.writeSlot(dp)
	}

	dp := &dblwrPage{key: key, pageIndex: int32(len(d.pages)), valid: true}
	dp.page.CopyFrom(pg)
	d.pages[key] = dp
	if err := d.writeSlot(dp); err != nil {
		return err
	}

	if dp.pageIndex+1 > d.pageCnt {
		d.pageCnt = dp.pageIndex + 1
		if err := d.writeHeader(); err != nil {
			return err
		}
	}

	if len(d.pages) >= d.maxPages {
		return d.flushPages()
	}
	return nil
}

// Flush forces a flush cycle regardless of occupancy.
func (d *DiskDoubleWriteBuffer) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return dberr.ErrFileNotOpen
	}
	return d.flushPages()
}

// flushPages completes one cycle: fsync the staging file, write every
// staged page to its destination, invalidate the slots, and reset the
// header. Caller holds d.mu.
func (d *DiskDoubleWriteBuffer) flushPages() error {
	if len(d.pages) == 0 {
		if d.pageCnt != 0 {
			d.pageCnt = 0
			return d.writeHeader()
		}
		return nil
	}

	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync double write file: %v", dberr.ErrIOWrite, err)
	}

	for _, dp := range d.pages {
		if err := d.writeDestination(dp); err != nil {
			return err
		}
		dp.valid = false
		if err := d.writeSlot(dp); err != nil {
			return err
		}
	}

	d.pages = make(map[dblwrKey]*dblwrPage)
	d.pageCnt = 0
	if err := d.writeHeader(); err != nil {
		return err
	}
	d.metrics.DblwrFlushCycle()
	return nil
}

// writeDestination pushes one staged image to its pool file.
func (d *DiskDoubleWriteBuffer) writeDestination(dp *dblwrPage) error {
	bp := d.manager.GetBufferPool(dp.key.bufferPoolID)
	if bp == nil {
		return fmt.Errorf("%w: buffer pool %d not open for double write flush",
			dberr.ErrInternal, dp.key.bufferPoolID)
	}
	return bp.WritePage(dp.key.pageNum, &dp.page)
}

// ReadPage serves a staged image, which is authoritative over the
// destination copy until the cycle completes.
func (d *DiskDoubleWriteBuffer) ReadPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dblwrKey{bufferPoolID: bp.ID(), pageNum: pageNum}
	dp, ok := d.pages[key]
	if !ok {
		return dberr.ErrInvalidPageNum
	}
	pg.CopyFrom(&dp.page)
	return nil
}

// ClearPages pushes the staged images of one pool to their destinations
// and removes them. Called when the pool closes so no slot outlives its
// file descriptor.
func (d *DiskDoubleWriteBuffer) ClearPages(bp *BufferPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}

	for key, dp := range d.pages {
		if key.bufferPoolID != bp.ID() {
			continue
		}
		if err := bp.WritePage(key.pageNum, &dp.page); err != nil {
			return err
		}
		dp.valid = false
		if err := d.writeSlot(dp); err != nil {
			return err
		}
		delete(d.pages, key)
	}
	return nil
}

// RecoverPool repairs the destination pages of one pool from its staged
// images: a destination whose checksum no longer validates is overwritten
// with the staged copy.
func (d *DiskDoubleWriteBuffer) RecoverPool(bp *BufferPool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, dp := range d.pages {
		if key.bufferPoolID != bp.ID() {
			continue
		}
		var onDisk page.Page
		err := bp.ReadPageImage(key.pageNum, &onDisk)
		if err == nil && onDisk.VerifyChecksum() {
			continue
		}
		d.logger.Info("restoring torn page from double write buffer",
			zap.Int32("buffer_pool_id", key.bufferPoolID),
			zap.Int32("page_num", key.pageNum),
			zap.Int64("lsn", dp.page.LSN()))
		if err := bp.WritePage(key.pageNum, &dp.page); err != nil {
			return err
		}
	}
	return nil
}

// VacuousDoubleWriteBuffer writes pages straight to their destination
// with no staging. Only for tests and read-only modes.
type VacuousDoubleWriteBuffer struct{}

func (VacuousDoubleWriteBuffer) AddPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error {
	return bp.WritePage(pageNum, pg)
}

func (VacuousDoubleWriteBuffer) ReadPage(bp *BufferPool, pageNum page.PageNum, pg *page.Page) error {
	return dberr.ErrInvalidPageNum
}

func (VacuousDoubleWriteBuffer) ClearPages(bp *BufferPool) error { return nil }
