package clog

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// setupHandler creates a started DiskHandler over a temporary directory.
func setupHandler(t *testing.T, dir string, opts DiskHandlerOptions) *DiskHandler {
	t.Helper()
	h, err := NewDiskHandler(dir, opts, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		h.Stop()
		h.AwaitTermination()
	})
	return h
}

type collectingReplayer struct {
	lsns     []int64
	modules  []ModuleID
	payloads []string
	done     bool
}

func (c *collectingReplayer) Replay(e *Entry) error {
	c.lsns = append(c.lsns, e.LSN())
	c.modules = append(c.modules, e.Module())
	c.payloads = append(c.payloads, string(e.Payload()))
	return nil
}

func (c *collectingReplayer) OnDone() error {
	c.done = true
	return nil
}

func TestHandlerRoundTrip(t *testing.T) {
	h := setupHandler(t, t.TempDir(), DiskHandlerOptions{})

	lsn, err := h.Append(ModuleTransaction, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), lsn)

	lsn, err = h.Append(ModuleTransaction, []byte("bb"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), lsn)

	lsn, err = h.Append(ModuleBPlusTree, []byte("ccc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), lsn)

	require.NoError(t, h.WaitLSN(3))

	// Replay from LSN 2 visits exactly the two later entries in order.
	var c collectingReplayer
	require.NoError(t, h.Replay(&c, 2))
	assert.Equal(t, []int64{2, 3}, c.lsns)
	assert.Equal(t, []ModuleID{ModuleTransaction, ModuleBPlusTree}, c.modules)
	assert.Equal(t, []string{"bb", "ccc"}, c.payloads)
	assert.True(t, c.done)
}

func TestHandlerFileRoll(t *testing.T) {
	dir := t.TempDir()
	h := setupHandler(t, dir, DiskHandlerOptions{MaxEntriesPerFile: 10})

	// LSNs 1..9 fit in clog_0's range [0, 10).
	for i := 0; i < 9; i++ {
		_, err := h.Append(ModuleTransaction, []byte("entry"))
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(9))

	names := listDir(t, dir)
	assert.Equal(t, []string{"clog_0.log"}, names)

	// The next entry's LSN falls outside clog_0 and forces a roll.
	lsn, err := h.Append(ModuleTransaction, []byte("overflow"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), lsn)
	require.NoError(t, h.WaitLSN(10))

	names = listDir(t, dir)
	assert.Equal(t, []string{"clog_0.log", "clog_10.log"}, names)

	// Everything is still replayable across the file boundary.
	var c collectingReplayer
	require.NoError(t, h.Replay(&c, 8))
	assert.Equal(t, []int64{8, 9, 10}, c.lsns)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestHandlerResumesLSNAfterRestart(t *testing.T) {
	dir := t.TempDir()

	h, err := NewDiskHandler(dir, DiskHandlerOptions{}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, h.Start())
	for i := 0; i < 5; i++ {
		_, err := h.Append(ModuleRecordManager, []byte("r"))
		require.NoError(t, err)
	}
	require.NoError(t, h.WaitLSN(5))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())

	h2 := setupHandler(t, dir, DiskHandlerOptions{})
	assert.Equal(t, int64(5), h2.CurrentLSN())

	lsn, err := h2.Append(ModuleRecordManager, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), lsn)
}

func TestHandlerConcurrentAppendDurabilityOrder(t *testing.T) {
	h := setupHandler(t, t.TempDir(), DiskHandlerOptions{})

	const total = 200
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				lsn, err := h.Append(ModuleTransaction, []byte("t"))
				assert.NoError(t, err)
				assert.NoError(t, h.WaitLSN(lsn))
			}
		}()
	}
	wg.Wait()

	// Replay yields every LSN exactly once, in strictly increasing order.
	var c collectingReplayer
	require.NoError(t, h.Replay(&c, 0))
	require.Len(t, c.lsns, total)
	for i, lsn := range c.lsns {
		assert.Equal(t, int64(i+1), lsn)
	}
}

func TestVacuousHandler(t *testing.T) {
	var h VacuousHandler
	require.NoError(t, h.Start())
	lsn, err := h.Append(ModuleTransaction, []byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), lsn)
	require.NoError(t, h.WaitLSN(99))
	require.NoError(t, h.Stop())
	require.NoError(t, h.AwaitTermination())
}
