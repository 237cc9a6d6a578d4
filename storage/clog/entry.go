// Package clog implements the write-ahead log: an append-only,
// LSN-ordered sequence of entries staged in a bounded in-memory buffer
// and flushed in batches to rolled clog files.
package clog

import (
	"encoding/binary"
	"fmt"

	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// ModuleID tags a log entry with the subsystem that owns its payload.
type ModuleID int32

const (
	ModuleBufferPool ModuleID = iota
	ModuleBPlusTree
	ModuleRecordManager
	ModuleTransaction
)

func (m ModuleID) String() string {
	switch m {
	case ModuleBufferPool:
		return "BUFFER_POOL"
	case ModuleBPlusTree:
		return "BPLUS_TREE"
	case ModuleRecordManager:
		return "RECORD_MANAGER"
	case ModuleTransaction:
		return "TRANSACTION"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderSize is the fixed encoded size of a log entry header.
	HeaderSize = 16

	// MaxEntrySize bounds header plus payload.
	MaxEntrySize = 4 << 20

	// MaxPayloadSize bounds the opaque payload.
	MaxPayloadSize = MaxEntrySize - HeaderSize
)

// Header is the fixed prefix of every log entry on disk:
// lsn int64 @0, data_size int32 @8, module_id int32 @12, little-endian.
type Header struct {
	LSN      page.LSN
	DataSize int32
	ModuleID ModuleID
}

// Encode writes the header into buf, which must hold HeaderSize bytes.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:], uint64(h.LSN))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.DataSize))
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.ModuleID))
}

// DecodeHeader reads a header from buf, which must hold HeaderSize bytes.
func DecodeHeader(buf []byte) Header {
	return Header{
		LSN:      int64(binary.LittleEndian.Uint64(buf[0:])),
		DataSize: int32(binary.LittleEndian.Uint32(buf[8:])),
		ModuleID: ModuleID(binary.LittleEndian.Uint32(buf[12:])),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("lsn=%d,size=%d,module=%s", h.LSN, h.DataSize, h.ModuleID)
}

// Entry is one log record: a fixed header and an opaque payload. Entries
// are owned by whichever component currently holds them.
type Entry struct {
	header Header
	data   []byte
}

// NewEntry builds an entry, rejecting payloads above MaxPayloadSize.
func NewEntry(lsn page.LSN, module ModuleID, data []byte) (Entry, error) {
	if len(data) > MaxPayloadSize {
		return Entry{}, fmt.Errorf("%w: payload size %d exceeds %d",
			dberr.ErrMessageInvalid, len(data), MaxPayloadSize)
	}
	return Entry{
		header: Header{LSN: lsn, DataSize: int32(len(data)), ModuleID: module},
		data:   data,
	}, nil
}

// Header returns the entry header.
func (e *Entry) Header() Header { return e.header }

// LSN returns the entry's log sequence number.
func (e *Entry) LSN() page.LSN { return e.header.LSN }

// SetLSN stamps the entry's log sequence number.
func (e *Entry) SetLSN(lsn page.LSN) { e.header.LSN = lsn }

// Module returns the owning module.
func (e *Entry) Module() ModuleID { return e.header.ModuleID }

// Payload returns the opaque payload.
func (e *Entry) Payload() []byte { return e.data }

// PayloadSize returns the payload length.
func (e *Entry) PayloadSize() int32 { return e.header.DataSize }

// TotalSize returns the encoded size, header included.
func (e *Entry) TotalSize() int32 { return e.header.DataSize + HeaderSize }

func (e *Entry) String() string {
	return fmt.Sprintf("entry(%s)", e.header)
}
