package clog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stonedb/stonedb/storage/page"
)

const (
	// DefaultMaxBufferBytes bounds the in-memory staging buffer.
	DefaultMaxBufferBytes = 16 << 20

	// DefaultFlushThreshold is the fill ratio that wakes the flusher.
	DefaultFlushThreshold = 0.75

	// DefaultBatchSize is the number of entries written per flush batch.
	DefaultBatchSize = 1024
)

// Buffer is a bounded FIFO of log entries staged for disk write. Appends
// assign dense, strictly increasing LSNs; the flusher drains the queue in
// LSN order, so flushedLSN >= L means the entry with LSN L has been
// written out.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond // flush completion: wakes blocked appenders and WaitLSN

	entries []Entry

	currentBytes atomic.Int64
	currentLSN   atomic.Int64
	flushedLSN   atomic.Int64

	maxBytes       int64
	flushThreshold float64

	// notify carries flush-readiness signals to the handler's flusher.
	notify chan<- struct{}

	totalAppends atomic.Uint64
	totalFlushes atomic.Uint64
}

// NewBuffer creates a buffer starting at lsn whose readiness signals go to
// notify. maxBytes <= 0 selects the default.
func NewBuffer(lsn page.LSN, maxBytes int64, notify chan<- struct{}) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBufferBytes
	}
	b := &Buffer{
		maxBytes:       maxBytes,
		flushThreshold: DefaultFlushThreshold,
		notify:         notify,
	}
	b.cond = sync.NewCond(&b.mu)
	b.currentLSN.Store(lsn)
	b.flushedLSN.Store(lsn)
	return b
}

// Append stages a new entry and returns its LSN. It blocks while the
// buffer is at capacity.
func (b *Buffer) Append(module ModuleID, data []byte) (page.LSN, error) {
	entry, err := NewEntry(0, module, data)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for b.currentBytes.Load() >= b.maxBytes {
		b.cond.Wait()
	}

	lsn := b.currentLSN.Add(1)
	entry.SetLSN(lsn)
	b.entries = append(b.entries, entry)
	b.currentBytes.Add(int64(entry.TotalSize()))
	b.totalAppends.Add(1)

	if b.shouldFlush() {
		b.notifyFlush()
	}
	return lsn, nil
}

// FlushBatch pops up to batchSize entries in FIFO order and writes each
// through writer. On a writer error the failing entry stays at the head
// and the error is returned; the next call retries from the same
// position.
func (b *Buffer) FlushBatch(writer *FileWriter, batchSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	if batchSize > len(b.entries) {
		batchSize = len(b.entries)
	}

	written := 0
	for written < batchSize && len(b.entries) > 0 {
		entry := &b.entries[0]
		if err := writer.Write(entry); err != nil {
			return fmt.Errorf("failed to write log entry lsn=%d: %w", entry.LSN(), err)
		}
		b.currentBytes.Add(-int64(entry.TotalSize()))
		b.flushedLSN.Store(entry.LSN())
		b.entries = b.entries[1:]
		written++
	}
	b.totalFlushes.Add(1)

	if len(b.entries) > 0 && b.shouldFlush() {
		b.notifyFlush()
	} else {
		b.cond.Broadcast()
	}
	return nil
}

// Flush writes out every staged entry.
func (b *Buffer) Flush(writer *FileWriter) error {
	return b.FlushBatch(writer, b.Len())
}

// WaitLSN blocks until the entry with the given LSN is flushed.
func (b *Buffer) WaitLSN(lsn page.LSN) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.flushedLSN.Load() < lsn {
		b.cond.Wait()
	}
}

// Len returns the number of staged entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Bytes returns the staged byte count.
func (b *Buffer) Bytes() int64 { return b.currentBytes.Load() }

// IsFull reports whether appends would currently block.
func (b *Buffer) IsFull() bool { return b.currentBytes.Load() >= b.maxBytes }

// CurrentLSN returns the most recently assigned LSN.
func (b *Buffer) CurrentLSN() page.LSN { return b.currentLSN.Load() }

// FlushedLSN returns the LSN of the last entry written out.
func (b *Buffer) FlushedLSN() page.LSN { return b.flushedLSN.Load() }

func (b *Buffer) shouldFlush() bool {
	return float64(b.currentBytes.Load()) >= float64(b.maxBytes)*b.flushThreshold
}

func (b *Buffer) notifyFlush() {
	if b.notify == nil {
		return
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Buffer) String() string {
	b.mu.Lock()
	pending := len(b.entries)
	b.mu.Unlock()
	return fmt.Sprintf("LogBuffer(bytes=%d/%d, entries=%d, current_lsn=%d, flushed_lsn=%d, appends=%d, flushes=%d)",
		b.currentBytes.Load(), b.maxBytes, pending,
		b.currentLSN.Load(), b.flushedLSN.Load(),
		b.totalAppends.Load(), b.totalFlushes.Load())
}
