package clog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stonedb/stonedb/internal/iox"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

const (
	clogFilePrefix = "clog_"
	clogFileSuffix = ".log"

	// DefaultMaxEntriesPerFile is the LSN range width of one clog file.
	DefaultMaxEntriesPerFile = 1 << 20
)

// FileWriter appends log entries to one clog file. The file covers a
// half-open LSN range; writing an entry at or past endLSN fails with
// dberr.ErrFileFull.
type FileWriter struct {
	filename string
	file     *os.File
	lastLSN  page.LSN
	endLSN   page.LSN
}

// Open opens filename for append. endLSN is the exclusive upper bound of
// the file's LSN range.
func (w *FileWriter) Open(filename string, endLSN page.LSN) error {
	if w.file != nil {
		return fmt.Errorf("%w: %s", dberr.ErrFileOpened, w.filename)
	}

	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", dberr.ErrFileNotFound, filename, err)
	}
	w.file = f
	w.filename = filename
	w.endLSN = endLSN
	return nil
}

// Close closes the file. Closing a closed writer is a no-op.
func (w *FileWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.filename = ""
	return err
}

// Write appends one entry as header followed by payload. A partial write
// is an error; there is no split-entry recovery.
func (w *FileWriter) Write(entry *Entry) error {
	if w.file == nil {
		return dberr.ErrFileNotOpen
	}
	if entry.LSN() >= w.endLSN {
		return fmt.Errorf("%w: lsn=%d, end_lsn=%d", dberr.ErrFileFull, entry.LSN(), w.endLSN)
	}

	var head [HeaderSize]byte
	entry.Header().Encode(head[:])
	if err := iox.Write(w.file, head[:]); err != nil {
		return fmt.Errorf("%w: write entry header, file=%s: %v", dberr.ErrIOWrite, w.filename, err)
	}
	if err := iox.Write(w.file, entry.Payload()); err != nil {
		return fmt.Errorf("%w: write entry payload, file=%s: %v", dberr.ErrIOWrite, w.filename, err)
	}

	w.lastLSN = entry.LSN()
	return nil
}

// Sync flushes the file to stable storage.
func (w *FileWriter) Sync() error {
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// IsOpen reports whether the writer holds an open file.
func (w *FileWriter) IsOpen() bool { return w.file != nil }

// IsFull reports whether the next assignable LSN falls outside the
// file's range.
func (w *FileWriter) IsFull() bool { return w.lastLSN+1 >= w.endLSN }

func (w *FileWriter) String() string {
	return fmt.Sprintf("LogFileWriter(filename=%s, last_lsn=%d, end_lsn=%d)",
		w.filename, w.lastLSN, w.endLSN)
}

// FileReader iterates the entries of one clog file.
type FileReader struct {
	filename string
	file     *os.File
}

// Open opens filename for reading.
func (r *FileReader) Open(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", dberr.ErrFileNotFound, filename, err)
	}
	r.filename = filename
	r.file = f
	return nil
}

// Close closes the file.
func (r *FileReader) Close() error {
	if r.file == nil {
		return dberr.ErrFileNotOpen
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Iterate seeks to the first entry with lsn >= startLSN, then invokes
// callback for each subsequent entry until end of file. A callback error
// aborts the iteration.
func (r *FileReader) Iterate(callback func(*Entry) error, startLSN page.LSN) error {
	if r.file == nil {
		return dberr.ErrFileNotOpen
	}
	if err := r.goTo(startLSN); err != nil {
		return err
	}

	var head [HeaderSize]byte
	for {
		err := iox.Read(r.file, head[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read entry header, file=%s: %v", dberr.ErrIORead, r.filename, err)
		}

		header := DecodeHeader(head[:])
		if header.DataSize < 0 || header.DataSize > MaxPayloadSize {
			return fmt.Errorf("%w: invalid entry size %d, file=%s", dberr.ErrIORead, header.DataSize, r.filename)
		}
		data := make([]byte, header.DataSize)
		if err := iox.Read(r.file, data); err != nil {
			return fmt.Errorf("%w: read entry payload, file=%s: %v", dberr.ErrIORead, r.filename, err)
		}

		entry, err := NewEntry(header.LSN, header.ModuleID, data)
		if err != nil {
			return err
		}
		if err := callback(&entry); err != nil {
			return err
		}
	}
	return nil
}

// goTo scans headers from the start of the file until it finds the first
// entry with lsn >= target, then rewinds to that header.
func (r *FileReader) goTo(target page.LSN) error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek to start, file=%s: %v", dberr.ErrIOSeek, r.filename, err)
	}

	var head [HeaderSize]byte
	for {
		err := iox.Read(r.file, head[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: read entry header, file=%s: %v", dberr.ErrIORead, r.filename, err)
		}

		header := DecodeHeader(head[:])
		if header.LSN >= target {
			if _, err := r.file.Seek(-HeaderSize, io.SeekCurrent); err != nil {
				return fmt.Errorf("%w: rewind entry header, file=%s: %v", dberr.ErrIOSeek, r.filename, err)
			}
			return nil
		}
		if header.DataSize < 0 || header.DataSize > MaxPayloadSize {
			return fmt.Errorf("%w: invalid entry size %d, file=%s", dberr.ErrIORead, header.DataSize, r.filename)
		}
		if _, err := r.file.Seek(int64(header.DataSize), io.SeekCurrent); err != nil {
			return fmt.Errorf("%w: skip entry payload, file=%s: %v", dberr.ErrIOSeek, r.filename, err)
		}
	}
}

// FileManager tracks the clog files of one directory. Files are named
// clog_<start_lsn>.log and tile the LSN axis in steps of
// maxEntriesPerFile.
type FileManager struct {
	dir               string
	maxEntriesPerFile int64
	files             map[page.LSN]string
}

// NewFileManager scans dir for clog files, creating the directory if
// needed. maxEntriesPerFile <= 0 selects the default.
func NewFileManager(dir string, maxEntriesPerFile int64) (*FileManager, error) {
	if maxEntriesPerFile <= 0 {
		maxEntriesPerFile = DefaultMaxEntriesPerFile
	}
	m := &FileManager{
		dir:               dir,
		maxEntriesPerFile: maxEntriesPerFile,
		files:             make(map[page.LSN]string),
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create log directory %s: %v", dberr.ErrFileCreate, dir, err)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read log directory %s: %v", dberr.ErrIORead, dir, err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		lsn, err := lsnFromFilename(de.Name())
		if err != nil {
			continue
		}
		m.files[lsn] = filepath.Join(dir, de.Name())
	}
	return m, nil
}

// lsnFromFilename extracts the start LSN from a clog file name.
func lsnFromFilename(filename string) (page.LSN, error) {
	if !strings.HasPrefix(filename, clogFilePrefix) || !strings.HasSuffix(filename, clogFileSuffix) {
		return 0, fmt.Errorf("%w: %s", dberr.ErrFileNameInvalid, filename)
	}
	lsnStr := strings.TrimSuffix(strings.TrimPrefix(filename, clogFilePrefix), clogFileSuffix)
	lsn, err := strconv.ParseInt(lsnStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", dberr.ErrFileNameInvalid, filename)
	}
	return lsn, nil
}

func (m *FileManager) sortedStarts() []page.LSN {
	starts := make([]page.LSN, 0, len(m.files))
	for lsn := range m.files {
		starts = append(starts, lsn)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// ListFiles returns, in LSN order, the paths of every file whose range
// overlaps [startLSN, inf): all files starting at or after startLSN plus
// the one containing it.
func (m *FileManager) ListFiles(startLSN page.LSN) []string {
	starts := m.sortedStarts()
	var files []string
	for i, lsn := range starts {
		if lsn >= startLSN {
			files = append(files, m.files[lsn])
			continue
		}
		if i+1 == len(starts) || starts[i+1] > startLSN {
			files = append(files, m.files[lsn])
		}
	}
	return files
}

// LastFile opens the file with the greatest start LSN for append.
func (m *FileManager) LastFile(writer *FileWriter) error {
	if len(m.files) == 0 {
		return fmt.Errorf("%w: no clog file in %s", dberr.ErrFileNotFound, m.dir)
	}
	starts := m.sortedStarts()
	last := starts[len(starts)-1]
	return writer.Open(m.files[last], last+m.maxEntriesPerFile)
}

// NextFile closes the current writer and opens a fresh file whose range
// begins where the previous file's range ended.
func (m *FileManager) NextFile(writer *FileWriter) error {
	if err := writer.Close(); err != nil {
		return err
	}

	var nextLSN page.LSN
	if starts := m.sortedStarts(); len(starts) > 0 {
		nextLSN = starts[len(starts)-1] + m.maxEntriesPerFile
	}

	filename := filepath.Join(m.dir, fmt.Sprintf("%s%d%s", clogFilePrefix, nextLSN, clogFileSuffix))
	if err := writer.Open(filename, nextLSN+m.maxEntriesPerFile); err != nil {
		return err
	}
	m.files[nextLSN] = filename
	return nil
}

// MaxEntriesPerFile returns the LSN range width of one file.
func (m *FileManager) MaxEntriesPerFile() int64 { return m.maxEntriesPerFile }
