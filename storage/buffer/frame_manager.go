package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stonedb/stonedb/pkg/telemetry"
	"github.com/stonedb/stonedb/storage/dberr"
	"github.com/stonedb/stonedb/storage/page"
)

// DefaultFrameCapacity is the frame count used when none is configured.
const DefaultFrameCapacity = 1024

// FrameManager owns every frame in the process and maps cached pages to
// frames with strict LRU replacement. The capacity is fixed at Init;
// when the allocator runs dry, callers purge unpinned frames first.
type FrameManager struct {
	mu    sync.Mutex
	lru   *list.List // *Frame, front is most recently used
	index map[FrameID]*list.Element
	free  []*Frame
	total int

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewFrameManager creates an uninitialized frame manager.
func NewFrameManager(logger *zap.Logger, metrics *telemetry.Metrics) *FrameManager {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	return &FrameManager{
		lru:     list.New(),
		index:   make(map[FrameID]*list.Element),
		logger:  logger,
		metrics: metrics,
	}
}

// Init allocates the fixed frame arena.
func (m *FrameManager) Init(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: frame capacity must be positive, got %d", dberr.ErrNoMemPool, capacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total != 0 {
		return fmt.Errorf("%w: frame manager already initialized", dberr.ErrNoMemPool)
	}

	m.free = make([]*Frame, 0, capacity)
	for i := 0; i < capacity; i++ {
		f := &Frame{}
		f.Reset()
		m.free = append(m.free, f)
	}
	m.total = capacity
	m.logger.Info("frame manager initialized", zap.Int("capacity", capacity))
	return nil
}

// Cleanup releases the arena. It fails if any frame is still cached.
func (m *FrameManager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.index) > 0 {
		return fmt.Errorf("%w: %d frames still in use", dberr.ErrNoMemPool, len(m.index))
	}
	m.free = nil
	m.total = 0
	return nil
}

// Get returns the cached frame for (bufferPoolID, pageNum), pinned and
// moved to the MRU end, or nil on a miss. Lookup and LRU touch are
// atomic.
func (m *FrameManager) Get(bufferPoolID int32, pageNum page.PageNum) *Frame {
	id := FrameID{BufferPoolID: bufferPoolID, PageNum: pageNum}
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.index[id]
	if !ok {
		return nil
	}
	m.lru.MoveToFront(elem)
	frame := elem.Value.(*Frame)
	frame.Pin()
	return frame
}

// Alloc takes a free frame, assigns it the given identity, pins it, and
// inserts it at the MRU end. It returns nil when the arena is exhausted;
// the caller must purge and retry.
func (m *FrameManager) Alloc(bufferPoolID int32, pageNum page.PageNum) *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return nil
	}
	frame := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	if frame.PinCount() != 0 {
		panic(fmt.Sprintf("allocated frame is already pinned: %s", frame))
	}
	frame.SetBufferPoolID(bufferPoolID)
	frame.SetPageNum(pageNum)
	frame.Pin()
	frame.lruElem = m.lru.PushFront(frame)
	m.index[frame.FrameID()] = frame.lruElem
	return frame
}

// Free returns a frame to the allocator. The caller must hold exactly
// one pin; anything else implies corruption and aborts.
func (m *FrameManager) Free(bufferPoolID int32, pageNum page.PageNum, frame *Frame) error {
	id := FrameID{BufferPoolID: bufferPoolID, PageNum: pageNum}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked(id, frame)
}

func (m *FrameManager) freeLocked(id FrameID, frame *Frame) error {
	elem, ok := m.index[id]
	if !ok || elem.Value.(*Frame) != frame || frame.PinCount() != 1 {
		panic(fmt.Sprintf("failed to free frame: found=%t, id=%s, pin=%d",
			ok, id, frame.PinCount()))
	}

	m.lru.Remove(elem)
	delete(m.index, id)
	frame.Reset()
	m.free = append(m.free, frame)
	return nil
}

// FindList returns every cached frame belonging to one pool, each pinned
// to protect the walker.
func (m *FrameManager) FindList(bufferPoolID int32) []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []*Frame
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		frame := elem.Value.(*Frame)
		if frame.BufferPoolID() == bufferPoolID {
			frame.Pin()
			frames = append(frames, frame)
		}
	}
	return frames
}

// PurgeFrames scans from the least-recently-used end, collects up to
// count purgeable frames, and runs purger on each. Frames whose purger
// succeeds are freed; failures are unpinned and skipped. Returns the
// number freed.
//
// The manager mutex is held only while scanning the LRU list and while
// freeing; the purger runs unlocked, since it flushes through the WAL
// and the double-write buffer and may block on disk for a long time. A
// candidate that another caller pins while the purger runs is left
// cached.
func (m *FrameManager) PurgeFrames(count int, purger func(*Frame) error) int {
	if count <= 0 {
		count = 1
	}

	m.mu.Lock()
	candidates := make([]*Frame, 0, count)
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		frame := elem.Value.(*Frame)
		if frame.CanPurge() {
			frame.Pin()
			candidates = append(candidates, frame)
			if len(candidates) >= count {
				break
			}
		}
	}
	m.mu.Unlock()

	freed := 0
	for _, frame := range candidates {
		id := frame.FrameID()
		if err := purger(frame); err != nil {
			frame.Unpin()
			m.logger.Warn("failed to purge frame",
				zap.String("frame_id", id.String()), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if frame.PinCount() != 1 || frame.IsDirty() {
			// Re-pinned or re-dirtied while the purger ran unlocked;
			// it stays cached.
			m.mu.Unlock()
			frame.Unpin()
			continue
		}
		m.freeLocked(id, frame)
		m.mu.Unlock()
		freed++
	}
	if freed > 0 {
		m.metrics.FramesEvicted(freed)
	}
	m.logger.Debug("purge frames done",
		zap.Int("candidates", len(candidates)), zap.Int("freed", freed))
	return freed
}

// FrameCount returns the number of frames currently caching pages.
func (m *FrameManager) FrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// TotalFrameCount returns the arena capacity.
func (m *FrameManager) TotalFrameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
