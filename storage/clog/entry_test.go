package clog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonedb/stonedb/storage/dberr"
)

func TestEntryHeaderCodec(t *testing.T) {
	h := Header{LSN: 123456789, DataSize: 42, ModuleID: ModuleBPlusTree}

	var buf [HeaderSize]byte
	h.Encode(buf[:])
	decoded := DecodeHeader(buf[:])

	assert.Equal(t, h, decoded)
}

func TestNewEntry(t *testing.T) {
	entry, err := NewEntry(7, ModuleTransaction, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, int64(7), entry.LSN())
	assert.Equal(t, ModuleTransaction, entry.Module())
	assert.Equal(t, []byte("payload"), entry.Payload())
	assert.Equal(t, int32(7), entry.PayloadSize())
	assert.Equal(t, int32(7+HeaderSize), entry.TotalSize())
}

func TestNewEntryPayloadBounds(t *testing.T) {
	// Exactly the maximum payload is accepted.
	_, err := NewEntry(1, ModuleBufferPool, make([]byte, MaxPayloadSize))
	assert.NoError(t, err)

	// One byte more is rejected.
	_, err = NewEntry(1, ModuleBufferPool, make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, dberr.ErrMessageInvalid)
}

func TestModuleNames(t *testing.T) {
	assert.Equal(t, "BUFFER_POOL", ModuleBufferPool.String())
	assert.Equal(t, "BPLUS_TREE", ModuleBPlusTree.String())
	assert.Equal(t, "RECORD_MANAGER", ModuleRecordManager.String())
	assert.Equal(t, "TRANSACTION", ModuleTransaction.String())
	assert.Equal(t, "UNKNOWN", ModuleID(99).String())
}
