package detours

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/detour/arch"
	"github.com/joshuapare/detourkit/detour/insn"
	"github.com/joshuapare/detourkit/detour/tx"
	"github.com/joshuapare/detourkit/internal/testutil"
)

var prologue = []byte{
	0x48, 0x89, 0x5C, 0x24, 0x08,
	0x48, 0x89, 0x74, 0x24, 0x10,
	0x57,
	0x48, 0x83, 0xEC, 0x20,
	0xC3,
}

func useSimEngine(t *testing.T) *testutil.SimHost {
	t.Helper()
	h := testutil.NewSimHost()
	e, err := tx.New(tx.WithHost(h), tx.WithPack(arch.X64()), tx.WithCopier(insn.X86{Mode: 64}))
	require.NoError(t, err)
	Use(e)
	t.Cleanup(func() { Use(nil) })
	return h
}

func Test_FullTransactionFlow(t *testing.T) {
	h := useSimEngine(t)

	code := make([]byte, 64)
	copy(code, prologue)
	target := h.AddMemory(code)
	detour := h.AddMemory([]byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
	fn := target
	snapshot := append([]byte(nil), code...)

	require.NoError(t, TransactionBegin())
	require.NoError(t, Attach(&fn, detour))
	require.NoError(t, TransactionCommit())
	require.NotEqual(t, target, fn, "pointer now leads to the trampoline")
	require.Equal(t, byte(0xFF), code[0])

	require.NoError(t, TransactionBegin())
	require.NoError(t, Detach(&fn, detour))
	require.NoError(t, TransactionCommit())
	require.Equal(t, target, fn)
	require.Equal(t, snapshot, code)
}

func Test_AttachEx_SurfacesResolvedAddresses(t *testing.T) {
	h := useSimEngine(t)

	target := h.AddMemory(append([]byte(nil), prologue...))
	detour := h.AddMemory([]byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
	fn := target

	require.NoError(t, TransactionBegin())
	tramp, realTarget, realDetour, err := AttachEx(&fn, detour)
	require.NoError(t, err)
	require.NotNil(t, tramp)
	require.Equal(t, target, realTarget)
	require.Equal(t, detour, realDetour)
	require.NoError(t, TransactionAbort())
}

func Test_CodeFromPointer_FollowsImportThunk(t *testing.T) {
	h := useSimEngine(t)

	body := h.AddMemory(append([]byte(nil), prologue...))
	m := testutil.BuildModule(h, body, "")

	thunk := make([]byte, 6)
	thunk[0] = 0xFF
	thunk[1] = 0x25
	disp := int64(m.IATSlot) - (int64(m.Thunk) + 6)
	for i := 0; i < 4; i++ {
		thunk[2+i] = byte(disp >> (8 * i))
	}
	addr := m.WriteThunk(thunk)

	code, globals := CodeFromPointer(addr)
	require.Equal(t, body, code)
	require.Zero(t, globals)
}

func Test_CommitEx_ReportsOffender(t *testing.T) {
	h := useSimEngine(t)

	detour := h.AddMemory([]byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC})
	empty := new(uintptr)

	require.NoError(t, TransactionBegin())
	require.ErrorIs(t, Attach(empty, detour), ErrInvalidHandle)
	failed, err := TransactionCommitEx()
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Equal(t, empty, failed)
}

func Test_PolicySetters(t *testing.T) {
	useSimEngine(t)

	require.False(t, SetIgnoreTooSmall(true))
	require.True(t, SetIgnoreTooSmall(false))
	require.False(t, SetRetainRegions(true))
	require.True(t, SetRetainRegions(false))

	prev := SetSystemRegionLowerBound(0x40000000)
	require.Equal(t, uintptr(0x70000000), prev)
	prev = SetSystemRegionUpperBound(0x90000000)
	require.Equal(t, uintptr(0x80000000), prev)
}

func Test_UpdateThread_Parity(t *testing.T) {
	useSimEngine(t)
	require.NoError(t, TransactionBegin())
	require.NoError(t, UpdateThread(0))
	require.NoError(t, TransactionCommit())
}

func Test_UseNilRestoresDefaultLazily(t *testing.T) {
	h := useSimEngine(t)
	require.NotNil(t, h)
	Use(nil)
	// No transaction is open on the fresh default engine, so a commit is
	// an invalid operation rather than a crash.
	err := TransactionCommit()
	require.Error(t, err)
}
