package clog

import (
	"go.uber.org/zap"
)

// Replayer consumes log entries during recovery.
type Replayer interface {
	// Replay applies one entry. An error aborts the replay.
	Replay(entry *Entry) error

	// OnDone is invoked once after every entry has been replayed.
	OnDone() error
}

// ModuleReplayer dispatches entries to per-module replayers. Entries
// whose module has no registered replayer are skipped.
type ModuleReplayer struct {
	replayers map[ModuleID]Replayer
	logger    *zap.Logger
}

// NewModuleReplayer creates an empty dispatch table.
func NewModuleReplayer(logger *zap.Logger) *ModuleReplayer {
	return &ModuleReplayer{
		replayers: make(map[ModuleID]Replayer),
		logger:    logger,
	}
}

// Register binds a module's entries to a replayer.
func (r *ModuleReplayer) Register(module ModuleID, replayer Replayer) {
	r.replayers[module] = replayer
}

// Replay dispatches one entry by module.
func (r *ModuleReplayer) Replay(entry *Entry) error {
	replayer, ok := r.replayers[entry.Module()]
	if !ok {
		r.logger.Debug("no replayer registered for module, skipping entry",
			zap.String("module", entry.Module().String()),
			zap.Int64("lsn", entry.LSN()))
		return nil
	}
	return replayer.Replay(entry)
}

// OnDone notifies every registered replayer.
func (r *ModuleReplayer) OnDone() error {
	for _, replayer := range r.replayers {
		if err := replayer.OnDone(); err != nil {
			return err
		}
	}
	return nil
}
