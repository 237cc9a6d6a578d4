package clog

import "github.com/stonedb/stonedb/storage/page"

// VacuousHandler discards every log operation. Used by tests and
// read-only configurations where durability is not required.
type VacuousHandler struct{}

func (VacuousHandler) Start() error            { return nil }
func (VacuousHandler) Stop() error             { return nil }
func (VacuousHandler) AwaitTermination() error { return nil }

func (VacuousHandler) Append(module ModuleID, data []byte) (page.LSN, error) {
	return 0, nil
}

func (VacuousHandler) Replay(replayer Replayer, startLSN page.LSN) error { return replayer.OnDone() }

func (VacuousHandler) Iterate(consumer func(*Entry) error, startLSN page.LSN) error {
	return nil
}

func (VacuousHandler) WaitLSN(lsn page.LSN) error { return nil }
func (VacuousHandler) CurrentLSN() page.LSN       { return 0 }
