package buffer

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/storage/clog"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// BufferPoolOperation discriminates buffer-pool log records.
type BufferPoolOperation int32

const (
	OperationAllocate BufferPoolOperation = iota
	OperationDeallocate
)

func (op BufferPoolOperation) String() string {
	switch op {
	case OperationAllocate:
		return "ALLOCATE"
	case OperationDeallocate:
		return "DEALLOCATE"
	default:
		return "UNKNOWN"
	}
}

const bufferPoolLogEntrySize = 12

// BufferPoolLogEntry is the payload of a BUFFER_POOL log record, packed
// little-endian: buffer_pool_id i32, operation i32, page_num i32.
type BufferPoolLogEntry struct {
	BufferPoolID int32
	Operation    BufferPoolOperation
	PageNum      page.PageNum
}

// Encode serializes the record payload.
func (e BufferPoolLogEntry) Encode() []byte {
	buf := make([]byte, bufferPoolLogEntrySize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(e.BufferPoolID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.Operation))
	binary.LittleEndian.PutUint32(buf[8:], uint32(e.PageNum))
	return buf
}

// DecodeBufferPoolLogEntry parses a record payload.
func DecodeBufferPoolLogEntry(data []byte) (BufferPoolLogEntry, error) {
	if len(data) != bufferPoolLogEntrySize {
		return BufferPoolLogEntry{}, fmt.Errorf("%w: buffer pool log entry size %d",
			dberr.ErrMessageInvalid, len(data))
	}
	return BufferPoolLogEntry{
		BufferPoolID: int32(binary.LittleEndian.Uint32(data[0:])),
		Operation:    BufferPoolOperation(binary.LittleEndian.Uint32(data[4:])),
		PageNum:      int32(binary.LittleEndian.Uint32(data[8:])),
	}, nil
}

func (e BufferPoolLogEntry) String() string {
	return fmt.Sprintf("buffer_pool_log(pool=%d, op=%s, page_num=%d)",
		e.BufferPoolID, e.Operation, e.PageNum)
}

// bufferPoolLogHandler appends one pool's allocation records to the WAL.
type bufferPoolLogHandler struct {
	bp      *BufferPool
	handler clog.Handler
}

func (h *bufferPoolLogHandler) appendAllocate(pageNum page.PageNum) (page.LSN, error) {
	return h.append(OperationAllocate, pageNum)
}

func (h *bufferPoolLogHandler) appendDeallocate(pageNum page.PageNum) (page.LSN, error) {
	return h.append(OperationDeallocate, pageNum)
}

func (h *bufferPoolLogHandler) append(op BufferPoolOperation, pageNum page.PageNum) (page.LSN, error) {
	entry := BufferPoolLogEntry{
		BufferPoolID: h.bp.ID(),
		Operation:    op,
		PageNum:      pageNum,
	}
	return h.handler.Append(clog.ModuleBufferPool, entry.Encode())
}

func (h *bufferPoolLogHandler) waitLSN(lsn page.LSN) error {
	return h.handler.WaitLSN(lsn)
}

// BufferPoolLogReplayer redoes BUFFER_POOL log records against the pools
// registered with the manager.
type BufferPoolLogReplayer struct {
	manager *BufferPoolManager
	logger  *zap.Logger
}

// NewBufferPoolLogReplayer creates a replayer over the manager's pools.
func NewBufferPoolLogReplayer(manager *BufferPoolManager, logger *zap.Logger) *BufferPoolLogReplayer {
	return &BufferPoolLogReplayer{manager: manager, logger: logger}
}

// Replay redoes one BUFFER_POOL record. Records for pools that are not
// open are skipped.
func (r *BufferPoolLogReplayer) Replay(entry *clog.Entry) error {
	record, err := DecodeBufferPoolLogEntry(entry.Payload())
	if err != nil {
		return err
	}

	bp := r.manager.GetBufferPool(record.BufferPoolID)
	if bp == nil {
		r.logger.Warn("replay skipping record for unopened buffer pool",
			zap.Int64("lsn", entry.LSN()),
			zap.String("record", record.String()))
		return nil
	}

	switch record.Operation {
	case OperationAllocate:
		return bp.RedoAllocatePage(entry.LSN(), record.PageNum)
	case OperationDeallocate:
		return bp.RedoDeallocatePage(entry.LSN(), record.PageNum)
	default:
		return fmt.Errorf("%w: unknown buffer pool operation %d",
			dberr.ErrMessageInvalid, record.Operation)
	}
}

// OnDone flushes the redone header pages.
func (r *BufferPoolLogReplayer) OnDone() error {
	return r.manager.FlushAll()
}
