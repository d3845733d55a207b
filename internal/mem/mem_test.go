package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_SliceRoundTrip(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	view := Slice(Addr(buf), len(buf))
	require.Equal(t, buf, view)

	view[0] = 0xAA
	require.Equal(t, byte(0xAA), buf[0], "view must alias the backing bytes")
}

func Test_SliceEmpty(t *testing.T) {
	require.Nil(t, Slice(0, 8))
	require.Nil(t, Slice(0x1000, 0))
	require.Zero(t, Addr(nil))
}

func Test_PointerRoundTrip(t *testing.T) {
	buf := make([]byte, PointerSize)
	PutPointer(buf, 0x11223344)
	require.Equal(t, uintptr(0x11223344), GetPointer(buf))

	WritePointer(Addr(buf), 0xdeadbeef)
	require.Equal(t, uintptr(0xdeadbeef), ReadPointer(Addr(buf)))
}

func Test_AlignDown(t *testing.T) {
	require.Equal(t, uintptr(0x1000), AlignDown(0x1fff, 0x1000))
	require.Equal(t, uintptr(0x2000), AlignDown(0x2000, 0x1000))
}
