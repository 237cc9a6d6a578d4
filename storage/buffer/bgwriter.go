package buffer

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// backgroundWriter flushes dirty frames behind the callers' backs so
// evictions rarely have to flush on the critical path. Cycles are paced
// by a rate limiter rather than a bare ticker so a slow disk cannot
// accumulate overlapping flush storms.
type backgroundWriter struct {
	manager *BufferPoolManager
	limiter *rate.Limiter
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func newBackgroundWriter(manager *BufferPoolManager, flushesPerSecond float64, logger *zap.Logger) *backgroundWriter {
	return &backgroundWriter{
		manager: manager,
		limiter: rate.NewLimiter(rate.Limit(flushesPerSecond), 1),
		logger:  logger,
	}
}

func (w *backgroundWriter) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *backgroundWriter) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *backgroundWriter) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		for _, bp := range w.manager.Pools() {
			if err := bp.FlushAllPages(); err != nil {
				w.logger.Warn("background writer flush failed",
					zap.Int32("buffer_pool_id", bp.ID()), zap.Error(err))
			}
		}
	}
}
