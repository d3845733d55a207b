package winpe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/detourkit/internal/mem"
	"github.com/joshuapare/detourkit/internal/testutil"
)

func Test_IsImported_InsideIAT(t *testing.T) {
	h := testutil.NewSimHost()
	fn := make([]byte, 16)
	m := testutil.BuildModule(h, mem.Addr(fn), "")

	p := &Prober{Mem: h}
	require.True(t, p.IsImported(m.Thunk, m.IATSlot))
	require.True(t, p.IsImported(m.Thunk, m.IATSlot+7), "whole slot is in the directory")
	require.False(t, p.IsImported(m.Thunk, m.IATSlot+8), "directory end is exclusive")
	require.False(t, p.IsImported(m.Thunk, m.Base+0x100))
}

func Test_IsImported_OutsideAnyModule(t *testing.T) {
	h := testutil.NewSimHost()
	code := testutil.NewCode(h, make([]byte, 32))

	p := &Prober{Mem: h}
	require.False(t, p.IsImported(code, code), "non-module code has no IAT")
}

func Test_IsImported_BadHeader(t *testing.T) {
	h := testutil.NewSimHost()
	// A module whose memory is not a PE header at all.
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = 0x41
	}
	base := h.AddModule(junk)

	p := &Prober{Mem: h}
	require.False(t, p.IsImported(base+0x10, base+0x20),
		"a bad pointer means this is not a PE header")
}

func Test_IsImported_TruncatedModule(t *testing.T) {
	h := testutil.NewSimHost()
	// Valid MZ magic but the mapping ends before the NT headers.
	stub := make([]byte, 32)
	copy(stub, "MZ")
	stub[30] = 0 // e_lfanew would be past the mapping
	base := h.AddModule(stub)

	p := &Prober{Mem: h}
	require.False(t, p.IsImported(base, base+8))
}

func Test_ModuleName_Decodes(t *testing.T) {
	h := testutil.NewSimHost()
	m := testutil.BuildModule(h, 0, "caf\xe9.dll") // Windows-1252 e-acute

	p := &Prober{Mem: h}
	name, ok := p.ModuleName(m.Base)
	require.True(t, ok)
	require.Equal(t, "café.dll", name)
}

func Test_ModuleName_NoExports(t *testing.T) {
	h := testutil.NewSimHost()
	m := testutil.BuildModule(h, 0, "")

	p := &Prober{Mem: h}
	_, ok := p.ModuleName(m.Base)
	require.False(t, ok)
}

func Test_DecodeANSIName(t *testing.T) {
	s, err := DecodeANSIName([]byte("kernel32.dll"))
	require.NoError(t, err)
	require.Equal(t, "kernel32.dll", s)

	s, err = DecodeANSIName([]byte{0x80}) // euro sign in Windows-1252
	require.NoError(t, err)
	require.Equal(t, "€", s)
}

func Test_NilProber(t *testing.T) {
	var p *Prober
	require.False(t, p.IsImported(1, 2))
}
