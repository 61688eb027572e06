package tls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPRShadowRoundTrip(t *testing.T) {
	b := New(0)
	b.SetGPR(RAX, 0x1234)
	b.SetGPR(R15, 0xFFFF)
	assert.Equal(t, uint64(0x1234), b.GPR(RAX))
	assert.Equal(t, uint64(0xFFFF), b.GPR(R15))
	assert.Equal(t, uint64(0), b.GPR(RBX))
}

func TestTableIndexesByPPID(t *testing.T) {
	tbl := NewTable(4)
	assert.Equal(t, 4, tbl.NumPPs())

	b0, err := tbl.Get(0)
	require.NoError(t, err)
	b1, err := tbl.Get(1)
	require.NoError(t, err)
	assert.NotSame(t, b0, b1)
	assert.Equal(t, uint16(1), b1.PPID)
}

func TestTableRejectsOutOfRangePP(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Get(5)
	require.Error(t, err)
}

func TestSyscallFrameCarriesArgs(t *testing.T) {
	b := New(0)
	b.Syscall.Args[0] = 0xAA
	b.Syscall.ReturnRIP = 0x4000
	assert.Equal(t, uint64(0xAA), b.Syscall.Args[0])
}
