package clog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// Handler is the log-append capability set handed to the storage layers.
// The disk implementation provides durable group commit; the vacuous one
// is for tests and read-only modes.
type Handler interface {
	// Start launches background flushing. Append may be called only
	// between Start and Stop.
	Start() error

	// Stop drains the buffer and stops background flushing.
	Stop() error

	// AwaitTermination blocks until background work has finished, then
	// releases file resources.
	AwaitTermination() error

	// Append stages a log entry and returns its LSN.
	Append(module ModuleID, data []byte) (page.LSN, error)

	// Replay feeds every entry with lsn >= startLSN to the replayer.
	Replay(replayer Replayer, startLSN page.LSN) error

	// Iterate feeds every entry with lsn >= startLSN to consumer.
	Iterate(consumer func(*Entry) error, startLSN page.LSN) error

	// WaitLSN blocks until the entry with the given LSN is durable.
	WaitLSN(lsn page.LSN) error

	// CurrentLSN returns the most recently assigned LSN.
	CurrentLSN() page.LSN
}

const flushTick = 100 * time.Millisecond

// DiskHandler is the production log handler: a bounded buffer drained by
// one flusher goroutine into rolled clog files.
type DiskHandler struct {
	dir     string
	buffer  *Buffer
	files   *FileManager
	writer  *FileWriter
	notify  chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex // guards started/stopped transitions

	batchSize int
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

// DiskHandlerOptions tunes a DiskHandler. Zero values select defaults.
type DiskHandlerOptions struct {
	MaxEntriesPerFile int64
	MaxBufferBytes    int64
	BatchSize         int
}

// NewDiskHandler scans dir, positions the LSN cursor after the last
// durable entry, and prepares a writer on the newest file.
func NewDiskHandler(dir string, opts DiskHandlerOptions, logger *zap.Logger, metrics *telemetry.Metrics) (*DiskHandler, error) {
	files, err := NewFileManager(dir, opts.MaxEntriesPerFile)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}

	h := &DiskHandler{
		dir:       dir,
		files:     files,
		writer:    &FileWriter{},
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		batchSize: opts.BatchSize,
		logger:    logger,
		metrics:   metrics,
	}
	if h.batchSize <= 0 {
		h.batchSize = DefaultBatchSize
	}

	lastLSN, err := h.scanLastLSN()
	if err != nil {
		return nil, err
	}
	h.buffer = NewBuffer(lastLSN, opts.MaxBufferBytes, h.notify)

	if err := files.LastFile(h.writer); err != nil {
		if !errors.Is(err, dberr.ErrFileNotFound) {
			return nil, err
		}
		if err := files.NextFile(h.writer); err != nil {
			return nil, err
		}
	}

	logger.Info("log handler initialized",
		zap.String("dir", dir),
		zap.Int64("last_lsn", lastLSN))
	return h, nil
}

// scanLastLSN finds the greatest LSN stored in the newest clog file.
func (h *DiskHandler) scanLastLSN() (page.LSN, error) {
	starts := h.files.sortedStarts()
	if len(starts) == 0 {
		return 0, nil
	}
	last := starts[len(starts)-1]

	var reader FileReader
	if err := reader.Open(h.files.files[last]); err != nil {
		return 0, err
	}
	defer reader.Close()

	// An empty newest file (crash right after a roll) means the last
	// durable entry sits at the end of the previous file's range.
	lastLSN := last - 1
	if lastLSN < 0 {
		lastLSN = 0
	}
	err := reader.Iterate(func(entry *Entry) error {
		lastLSN = entry.LSN()
		return nil
	}, 0)
	if err != nil {
		return 0, err
	}
	return lastLSN, nil
}

// Start launches the flusher goroutine.
func (h *DiskHandler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return fmt.Errorf("%w: log handler already started", dberr.ErrInternal)
	}
	h.started = true
	h.wg.Add(1)
	go h.flusher()
	return nil
}

// Stop signals the flusher to drain and exit.
func (h *DiskHandler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.stopped {
		return nil
	}
	h.stopped = true
	close(h.stop)
	return nil
}

// AwaitTermination joins the flusher and closes the writer.
func (h *DiskHandler) AwaitTermination() error {
	h.wg.Wait()
	return h.writer.Close()
}

// Append stages an entry in the buffer.
func (h *DiskHandler) Append(module ModuleID, data []byte) (page.LSN, error) {
	lsn, err := h.buffer.Append(module, data)
	if err != nil {
		return 0, err
	}
	h.metrics.WALAppend()
	return lsn, nil
}

// WaitLSN blocks until the given LSN is flushed. The flusher is nudged
// so a waiter does not sit out a full tick.
func (h *DiskHandler) WaitLSN(lsn page.LSN) error {
	if h.buffer.FlushedLSN() < lsn {
		select {
		case h.notify <- struct{}{}:
		default:
		}
	}
	h.buffer.WaitLSN(lsn)
	return nil
}

// CurrentLSN returns the most recently assigned LSN.
func (h *DiskHandler) CurrentLSN() page.LSN {
	return h.buffer.CurrentLSN()
}

// Replay iterates the files overlapping [startLSN, inf) and feeds each
// entry to the replayer, then calls OnDone.
func (h *DiskHandler) Replay(replayer Replayer, startLSN page.LSN) error {
	if err := h.Iterate(replayer.Replay, startLSN); err != nil {
		return err
	}
	return replayer.OnDone()
}

// Iterate feeds every entry with lsn >= startLSN to consumer, in order.
func (h *DiskHandler) Iterate(consumer func(*Entry) error, startLSN page.LSN) error {
	for _, filename := range h.files.ListFiles(startLSN) {
		var reader FileReader
		if err := reader.Open(filename); err != nil {
			return err
		}
		err := reader.Iterate(consumer, startLSN)
		if cerr := reader.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// flusher drains the buffer in batches, rolling to the next clog file
// when the current one is full.
func (h *DiskHandler) flusher() {
	defer h.wg.Done()
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			h.drain()
			return
		case <-h.notify:
			h.drain()
		case <-ticker.C:
			h.drain()
		}
	}
}

// drain flushes until the buffer is empty or an unrecoverable error
// occurs. On ErrFileFull the failing head entry stays queued, the file
// set rolls, and the same entry is retried against the new file.
func (h *DiskHandler) drain() {
	for h.buffer.Len() > 0 {
		before := h.buffer.FlushedLSN()
		err := h.buffer.FlushBatch(h.writer, h.batchSize)
		h.metrics.WALFlushed(int(h.buffer.FlushedLSN() - before))
		if err == nil {
			if serr := h.writer.Sync(); serr != nil {
				h.logger.Error("failed to sync clog file", zap.Error(serr))
				return
			}
			continue
		}
		if errors.Is(err, dberr.ErrFileFull) {
			h.logger.Info("clog file full, rolling to next file",
				zap.String("writer", h.writer.String()))
			if rerr := h.files.NextFile(h.writer); rerr != nil {
				h.logger.Error("failed to roll clog file", zap.Error(rerr))
				return
			}
			continue
		}
		h.logger.Error("failed to flush log buffer", zap.Error(err))
		return
	}
}
