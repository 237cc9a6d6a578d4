// Package page defines the fixed-size on-disk page layout shared by every
// buffer pool file. A page is 8 KiB: a 28-byte header followed by an
// opaque data region. All header integers are little-endian, so the
// in-memory byte image is exactly the on-disk image.
package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PageNum identifies a page within one buffer pool file.
type PageNum = int32

// LSN is a log sequence number, globally monotonic within a database.
type LSN = int64

// TrxID identifies the transaction that last touched a page.
type TrxID = int32

// CheckSum is a CRC32 over a page's data region.
type CheckSum = uint32

const (
	// Size is the fixed page size.
	Size = 1 << 13

	// HeaderSize is the fixed page header size.
	HeaderSize = 28

	// DataSize is the size of the opaque data region.
	DataSize = Size - HeaderSize

	// InvalidPageNum marks an unassigned page.
	InvalidPageNum PageNum = -1

	// HeaderPageNum is the reserved file header page.
	HeaderPageNum PageNum = 0
)

// Page flag bits.
const (
	FlagDirty        uint8 = 0x01
	FlagIOInProgress uint8 = 0x02
	FlagPinned       uint8 = 0x04
	FlagInFlushList  uint8 = 0x08
	FlagEncrypted    uint8 = 0x10 // reserved, not implemented
	FlagCompressed   uint8 = 0x20 // reserved, not implemented
)

// Type tags the content of a page.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeData
	TypeIndex
	TypeOverflow
	TypeFree
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "header"
	case TypeData:
		return "data"
	case TypeIndex:
		return "index"
	case TypeOverflow:
		return "overflow"
	case TypeFree:
		return "free"
	default:
		return "unknown"
	}
}

// Header field offsets within the page image.
const (
	offPageNum         = 0  // int32
	offLSN             = 4  // int64
	offChecksum        = 12 // uint32
	offFreeSpace       = 16 // uint16
	offFreeSpaceOffset = 18 // uint16
	offSlotCount       = 20 // uint16
	offPageType        = 22 // uint8
	offFlags           = 23 // uint8
	offLastTrxID       = 24 // int32
)

// Page is one 8 KiB page image. Accessors read and write the byte image
// directly; disk I/O moves Bytes() verbatim.
type Page struct {
	buf [Size]byte
}

// Init zeroes the page and marks it unassigned.
func (p *Page) Init() {
	p.buf = [Size]byte{}
	p.SetNum(InvalidPageNum)
	p.SetFreeSpace(uint16(DataSize))
}

// Bytes returns the full page image.
func (p *Page) Bytes() []byte { return p.buf[:] }

// Data returns the opaque data region.
func (p *Page) Data() []byte { return p.buf[HeaderSize:] }

// CopyFrom overwrites this page with the image of other.
func (p *Page) CopyFrom(other *Page) { p.buf = other.buf }

func (p *Page) Num() PageNum { return int32(binary.LittleEndian.Uint32(p.buf[offPageNum:])) }
func (p *Page) SetNum(n PageNum) {
	binary.LittleEndian.PutUint32(p.buf[offPageNum:], uint32(n))
}

func (p *Page) LSN() LSN       { return int64(binary.LittleEndian.Uint64(p.buf[offLSN:])) }
func (p *Page) SetLSN(lsn LSN) { binary.LittleEndian.PutUint64(p.buf[offLSN:], uint64(lsn)) }

func (p *Page) Checksum() CheckSum { return binary.LittleEndian.Uint32(p.buf[offChecksum:]) }
func (p *Page) SetChecksum(c CheckSum) {
	binary.LittleEndian.PutUint32(p.buf[offChecksum:], c)
}

func (p *Page) FreeSpace() uint16 { return binary.LittleEndian.Uint16(p.buf[offFreeSpace:]) }
func (p *Page) SetFreeSpace(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offFreeSpace:], v)
}

func (p *Page) FreeSpaceOffset() uint16 {
	return binary.LittleEndian.Uint16(p.buf[offFreeSpaceOffset:])
}
func (p *Page) SetFreeSpaceOffset(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offFreeSpaceOffset:], v)
}

func (p *Page) SlotCount() uint16 { return binary.LittleEndian.Uint16(p.buf[offSlotCount:]) }
func (p *Page) SetSlotCount(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[offSlotCount:], v)
}

func (p *Page) Type() Type     { return Type(p.buf[offPageType]) }
func (p *Page) SetType(t Type) { p.buf[offPageType] = uint8(t) }

func (p *Page) Flags() uint8        { return p.buf[offFlags] }
func (p *Page) SetFlag(f uint8)     { p.buf[offFlags] |= f }
func (p *Page) ClearFlag(f uint8)   { p.buf[offFlags] &^= f }
func (p *Page) HasFlag(f uint8) bool { return p.buf[offFlags]&f != 0 }

func (p *Page) LastTrxID() TrxID { return int32(binary.LittleEndian.Uint32(p.buf[offLastTrxID:])) }
func (p *Page) SetLastTrxID(id TrxID) {
	binary.LittleEndian.PutUint32(p.buf[offLastTrxID:], uint32(id))
}

// CalcChecksum computes the CRC32 of the data region and stores it in the
// header. The CRC table (IEEE polynomial 0xEDB88320) is precomputed by the
// runtime.
func (p *Page) CalcChecksum() {
	p.SetChecksum(crc32.ChecksumIEEE(p.Data()))
}

// VerifyChecksum recomputes the data-region CRC32 and compares it with the
// stored value. The page is left bitwise unchanged.
func (p *Page) VerifyChecksum() bool {
	return p.Checksum() == crc32.ChecksumIEEE(p.Data())
}

func (p *Page) String() string {
	return fmt.Sprintf("page(num=%d, lsn=%d, type=%s, flags=0x%02x, checksum=0x%08x)",
		p.Num(), p.LSN(), p.Type(), p.Flags(), p.Checksum())
}
