package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/clog"
	"github.com/stonedb/stonedb/storage/dberr"
)

// BufferPoolManager owns every buffer pool of the process, the shared
// frame manager, and the double-write buffer. It is the arena that
// breaks the pool/double-write cycle: both hold non-owning references
// back to it.
type BufferPoolManager struct {
	mu sync.Mutex

	frameManager *FrameManager
	dblwr        DoubleWriteBuffer
	diskDblwr    *DiskDoubleWriteBuffer // nil when running vacuous
	logHandler   clog.Handler

	pools     map[string]*BufferPool
	poolsByID map[int32]*BufferPool

	nextPoolID atomic.Int32

	bgwriter *backgroundWriter

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewBufferPoolManager creates a manager with a fixed frame arena and a
// vacuous double-write buffer. frameCapacity <= 0 selects the default.
func NewBufferPoolManager(frameCapacity int, handler clog.Handler, logger *zap.Logger, metrics *telemetry.Metrics) (*BufferPoolManager, error) {
	if frameCapacity <= 0 {
		frameCapacity = DefaultFrameCapacity
	}
	if metrics == nil {
		metrics = telemetry.Noop()
	}

	m := &BufferPoolManager{
		frameManager: NewFrameManager(logger, metrics),
		dblwr:        VacuousDoubleWriteBuffer{},
		logHandler:   handler,
		pools:        make(map[string]*BufferPool),
		poolsByID:    make(map[int32]*BufferPool),
		logger:       logger,
		metrics:      metrics,
	}
	m.nextPoolID.Store(1)
	if err := m.frameManager.Init(frameCapacity); err != nil {
		return nil, err
	}
	return m, nil
}

// InitDoubleWriteBuffer switches from the vacuous variant to the
// disk-backed one, staging in filename. Must be called before any pool
// is opened.
func (m *BufferPoolManager) InitDoubleWriteBuffer(filename string, maxPages int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pools) > 0 {
		return fmt.Errorf("%w: pools already open", dberr.ErrBufferPoolOpened)
	}

	dblwr := NewDiskDoubleWriteBuffer(m, maxPages, m.logger, m.metrics)
	if err := dblwr.OpenFile(filename); err != nil {
		return err
	}
	m.dblwr = dblwr
	m.diskDblwr = dblwr
	return nil
}

// FrameManager returns the shared frame manager.
func (m *BufferPoolManager) FrameManager() *FrameManager { return m.frameManager }

// LogHandler returns the shared log handler.
func (m *BufferPoolManager) LogHandler() clog.Handler { return m.logHandler }

// nextBufferPoolID assigns a fresh globally unique pool id.
func (m *BufferPoolManager) nextBufferPoolID() int32 {
	return m.nextPoolID.Add(1) - 1
}

// observePoolID keeps the id sequence ahead of every id seen on disk.
func (m *BufferPoolManager) observePoolID(id int32) {
	for {
		next := m.nextPoolID.Load()
		if id < next {
			return
		}
		if m.nextPoolID.CompareAndSwap(next, id+1) {
			return
		}
	}
}

// OpenFile opens (or creates) a pool file and registers the pool. Pages
// the crash recovery left in the double-write buffer for this pool are
// applied right after the pool is registered.
func (m *BufferPoolManager) OpenFile(path string) (*BufferPool, error) {
	m.mu.Lock()
	if _, ok := m.pools[path]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", dberr.ErrBufferPoolOpened, path)
	}
	m.mu.Unlock()

	bp := newBufferPool(m, m.frameManager, m.dblwr, m.logHandler, m.logger, m.metrics)
	if err := bp.OpenFile(path); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.pools[path]; ok {
		m.mu.Unlock()
		bp.CloseFile()
		return nil, fmt.Errorf("%w: %s", dberr.ErrBufferPoolOpened, path)
	}
	m.pools[path] = bp
	m.poolsByID[bp.ID()] = bp
	m.observePoolID(bp.ID())
	m.mu.Unlock()

	if m.diskDblwr != nil {
		if err := m.diskDblwr.RecoverPool(bp); err != nil {
			return nil, err
		}
	}
	return bp, nil
}

// CloseFile flushes and closes one pool.
func (m *BufferPoolManager) CloseFile(path string) error {
	m.mu.Lock()
	bp, ok := m.pools[path]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", dberr.ErrFileNotOpen, path)
	}
	delete(m.pools, path)
	delete(m.poolsByID, bp.ID())
	m.mu.Unlock()

	return bp.CloseFile()
}

// GetBufferPool finds an open pool by id.
func (m *BufferPoolManager) GetBufferPool(id int32) *BufferPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolsByID[id]
}

// Pools snapshots the open pools.
func (m *BufferPoolManager) Pools() []*BufferPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*BufferPool, 0, len(m.pools))
	for _, bp := range m.pools {
		pools = append(pools, bp)
	}
	return pools
}

// FlushAll flushes every cached page of every pool.
func (m *BufferPoolManager) FlushAll() error {
	var firstErr error
	for _, bp := range m.Pools() {
		if err := bp.FlushAllPages(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// purgeFrame is the eviction hook handed to the frame manager: resolve
// the victim's pool and flush it if dirty, so the frame can be freed.
func (m *BufferPoolManager) purgeFrame(frame *Frame) error {
	bp := m.GetBufferPool(frame.BufferPoolID())
	if bp == nil {
		return fmt.Errorf("%w: no pool with id %d for victim frame",
			dberr.ErrInternal, frame.BufferPoolID())
	}
	return bp.flushPageInternal(frame)
}

// Replayer returns the redo dispatcher for BUFFER_POOL log records.
func (m *BufferPoolManager) Replayer() clog.Replayer {
	return NewBufferPoolLogReplayer(m, m.logger)
}

// Recover repairs torn pages from the double-write buffer, then redoes
// the buffer-pool WAL records against the open pools.
func (m *BufferPoolManager) Recover() error {
	if m.diskDblwr != nil {
		for _, bp := range m.Pools() {
			if err := m.diskDblwr.RecoverPool(bp); err != nil {
				return err
			}
		}
	}

	replayer := clog.NewModuleReplayer(m.logger)
	replayer.Register(clog.ModuleBufferPool, m.Replayer())
	return m.logHandler.Replay(replayer, 0)
}

// StartBackgroundWriter launches the paced dirty-page writer.
// flushesPerSecond <= 0 disables it.
func (m *BufferPoolManager) StartBackgroundWriter(flushesPerSecond float64) {
	if flushesPerSecond <= 0 {
		return
	}
	m.bgwriter = newBackgroundWriter(m, flushesPerSecond, m.logger)
	m.bgwriter.start()
}

// Close shuts the storage layer down: background writer, pools, the
// double-write buffer, and finally the log handler.
func (m *BufferPoolManager) Close() error {
	if m.bgwriter != nil {
		m.bgwriter.stop()
		m.bgwriter = nil
	}

	var firstErr error
	for _, bp := range m.Pools() {
		if err := m.CloseFile(bp.Filename()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if m.diskDblwr != nil {
		if err := m.diskDblwr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := m.logHandler.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.logHandler.AwaitTermination(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
