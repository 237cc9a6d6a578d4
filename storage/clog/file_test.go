package clog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonedb/stonedb/storage/dberr"
)

func mustEntry(t *testing.T, lsn int64, module ModuleID, data string) Entry {
	t.Helper()
	entry, err := NewEntry(lsn, module, []byte(data))
	require.NoError(t, err)
	return entry
}

func TestFileWriterWriteAndFull(t *testing.T) {
	dir := t.TempDir()
	w := &FileWriter{}
	require.NoError(t, w.Open(filepath.Join(dir, "clog_0.log"), 3))
	assert.True(t, w.IsOpen())

	e1 := mustEntry(t, 1, ModuleTransaction, "one")
	require.NoError(t, w.Write(&e1))
	assert.False(t, w.IsFull())

	e2 := mustEntry(t, 2, ModuleTransaction, "two")
	require.NoError(t, w.Write(&e2))
	assert.True(t, w.IsFull(), "last writable LSN reached")

	e3 := mustEntry(t, 3, ModuleTransaction, "three")
	assert.ErrorIs(t, w.Write(&e3), dberr.ErrFileFull)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(&e1), dberr.ErrFileNotOpen)
}

func TestFileReaderIterate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clog_0.log")

	w := &FileWriter{}
	require.NoError(t, w.Open(path, 1000))
	payloads := []string{"a", "bb", "ccc", "dddd"}
	for i, p := range payloads {
		entry := mustEntry(t, int64(i+1), ModuleRecordManager, p)
		require.NoError(t, w.Write(&entry))
	}
	require.NoError(t, w.Close())

	r := &FileReader{}
	require.NoError(t, r.Open(path))
	defer r.Close()

	var got []string
	var lsns []int64
	require.NoError(t, r.Iterate(func(e *Entry) error {
		got = append(got, string(e.Payload()))
		lsns = append(lsns, e.LSN())
		return nil
	}, 3))

	assert.Equal(t, []string{"ccc", "dddd"}, got)
	assert.Equal(t, []int64{3, 4}, lsns)
}

func TestFileReaderMalformedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clog_0.log")

	// A header whose data_size is past any valid payload bound.
	head := Header{LSN: 1, DataSize: MaxPayloadSize + 1, ModuleID: ModuleTransaction}
	buf := make([]byte, HeaderSize)
	head.Encode(buf)
	require.NoError(t, os.WriteFile(path, buf, 0644))

	r := &FileReader{}
	require.NoError(t, r.Open(path))
	defer r.Close()

	err := r.Iterate(func(e *Entry) error { return nil }, 5)
	assert.ErrorIs(t, err, dberr.ErrIORead)
}

func TestLSNFromFilename(t *testing.T) {
	lsn, err := lsnFromFilename("clog_123.log")
	require.NoError(t, err)
	assert.Equal(t, int64(123), lsn)

	for _, name := range []string{"invalid.log", "clog_abc.log", "clog_123.txt", "clog_.log"} {
		_, err := lsnFromFilename(name)
		assert.ErrorIs(t, err, dberr.ErrFileNameInvalid, name)
	}
}

func TestFileManagerScanAndList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"clog_0.log", "clog_100.log", "clog_200.log", "notes.txt", "clog_x.log"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	m, err := NewFileManager(dir, 100)
	require.NoError(t, err)

	all := m.ListFiles(0)
	require.Len(t, all, 3)
	assert.Equal(t, filepath.Join(dir, "clog_0.log"), all[0])
	assert.Equal(t, filepath.Join(dir, "clog_200.log"), all[2])

	// A start LSN inside clog_100's range keeps that file.
	overlap := m.ListFiles(150)
	require.Len(t, overlap, 2)
	assert.Equal(t, filepath.Join(dir, "clog_100.log"), overlap[0])

	// A start LSN on a file boundary drops everything before it.
	boundary := m.ListFiles(200)
	require.Len(t, boundary, 1)
	assert.Equal(t, filepath.Join(dir, "clog_200.log"), boundary[0])
}

func TestFileManagerNextFile(t *testing.T) {
	dir := t.TempDir()
	m, err := NewFileManager(dir, 1000)
	require.NoError(t, err)

	w := &FileWriter{}
	assert.ErrorIs(t, m.LastFile(w), dberr.ErrFileNotFound)

	require.NoError(t, m.NextFile(w))
	assert.True(t, w.IsOpen())
	assert.Contains(t, w.String(), "clog_0.log")

	require.NoError(t, m.NextFile(w))
	assert.Contains(t, w.String(), "clog_1000.log")

	files := m.ListFiles(0)
	require.Len(t, files, 2)
	w.Close()

	// A fresh manager over the same directory resumes from the newest file.
	m2, err := NewFileManager(dir, 1000)
	require.NoError(t, err)
	w2 := &FileWriter{}
	require.NoError(t, m2.LastFile(w2))
	assert.Contains(t, w2.String(), "clog_1000.log")
	w2.Close()
}
