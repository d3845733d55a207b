package tx

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/internal/mem"
)

func Test_Commit_AtomicMultiAttach(t *testing.T) {
	e, h := newTestEngine(t)
	ptr1, t1 := newTarget(t, h, x64Prologue)
	ptr2, t2 := newTarget(t, h, x64Prologue)

	// A simulated processor in a tight loop calling both targets: at any
	// observation both must be pre-patch or both post-patch.
	var stop, crossings, mixed atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		prev := false
		for stop.Load() == 0 {
			h.Execute(func() {
				a := mem.Slice(t1, 1)[0] == 0xFF
				b := mem.Slice(t2, 1)[0] == 0xFF
				if a != b {
					mixed.Add(1)
				}
				if a != prev {
					crossings.Add(1)
					prev = a
				}
			})
		}
	}()

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Attach(ptr1, detourAt(h)))
	require.NoError(t, e.Attach(ptr2, detourAt(h)))
	require.NoError(t, e.TransactionCommit())

	stop.Store(1)
	wg.Wait()

	require.Zero(t, mixed.Load(), "observed a half-applied batch")
	require.LessOrEqual(t, crossings.Load(), int64(1), "targets flip exactly once")
	require.Equal(t, byte(0xFF), mem.Slice(t1, 1)[0])
	require.Equal(t, byte(0xFF), mem.Slice(t2, 1)[0])
}

func Test_Commit_RecordsPendingOperations(t *testing.T) {
	e, h := newTestEngine(t)
	ptr, target := newTarget(t, h, x64Prologue)
	detour := detourAt(h)

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Attach(ptr, detour))
	require.Len(t, e.ops, 1)
	require.False(t, e.ops[0].remove)
	require.Equal(t, target, e.ops[0].target)
	require.NoError(t, e.TransactionCommit())

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Detach(ptr, detour))
	require.True(t, e.ops[0].remove)
	require.NoError(t, e.TransactionCommit())
}

func Test_Commit_FlushesInstructionCache(t *testing.T) {
	e, h := newTestEngine(t)
	ptr, _ := newTarget(t, h, x64Prologue)

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Attach(ptr, detourAt(h)))
	require.NoError(t, e.TransactionCommit())
	require.Equal(t, 1, h.FlushCalls, "each patch invalidates the icache in the rendezvous")
}

func Test_Commit_RegionReclamation(t *testing.T) {
	e, h := newTestEngine(t)
	ptr, _ := newTarget(t, h, x64Prologue)
	detour := detourAt(h)

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Attach(ptr, detour))
	require.NoError(t, e.TransactionCommit())
	require.Equal(t, 1, e.alloc.Regions())

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Detach(ptr, detour))
	require.NoError(t, e.TransactionCommit())
	require.Zero(t, e.alloc.Regions(), "the empty region is released")
}

func Test_Commit_RetainRegions(t *testing.T) {
	e, h := newTestEngine(t)
	ptr, _ := newTarget(t, h, x64Prologue)
	detour := detourAt(h)

	e.SetRetainRegions(true)
	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Attach(ptr, detour))
	require.NoError(t, e.TransactionCommit())

	require.NoError(t, e.TransactionBegin())
	require.NoError(t, e.Detach(ptr, detour))
	require.NoError(t, e.TransactionCommit())
	require.Equal(t, 1, e.alloc.Regions(), "retained regions survive empty")
}

func Test_Commit_SequentialTransactions(t *testing.T) {
	e, h := newTestEngine(t)

	// Attach/detach cycles across several transactions stay consistent.
	for i := 0; i < 3; i++ {
		ptr, target := newTarget(t, h, x64Prologue)
		detour := detourAt(h)
		snapshot := append([]byte(nil), x64Prologue...)

		require.NoError(t, e.TransactionBegin())
		require.NoError(t, e.Attach(ptr, detour))
		require.NoError(t, e.TransactionCommit())
		require.NotEqual(t, target, *ptr)

		require.NoError(t, e.TransactionBegin())
		require.NoError(t, e.Detach(ptr, detour))
		require.NoError(t, e.TransactionCommit())
		require.Equal(t, snapshot, mem.Slice(target, len(snapshot)))
	}
}
