package vps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
)

// TestCompressDecompressIdentity covers Invariant 5 as resolved
// against the original Bareflank AMD compress_attrib/decompress_attrib
// pair: for any value whose middle nibble (bits 8-11) is already zero,
// decompress(compress(a)) == a exactly.
func TestCompressDecompressIdentity(t *testing.T) {
	vals := []uint64{0x0000, 0x00FF, 0xF000, 0xF0FF, 0xA00B, 0x309B}
	for _, a := range vals {
		c, err := compressAttrib(a)
		require.NoError(t, err)
		assert.Equal(t, a, decompressAttrib(c))
	}
}

func TestCompressRejectsNonzeroMiddleNibble(t *testing.T) {
	_, err := compressAttrib(0x0A9B) // 0x0A9B has bits 8-11 = 0xA, nonzero
	require.Error(t, err)
	assert.Equal(t, bferr.InvalidArgument, bferr.KindOf(err))
}

// TestRegisterRoundTripAttribute is E2E scenario #4: cs_attributes
// written via write_reg/read_reg round-trips exactly, since that path
// is raw passthrough on internal storage and never applies
// compress/decompress (those only run at the state-save<->VPS
// translation boundary).
func TestRegisterRoundTripAttribute(t *testing.T) {
	v, _ := newAllocatedVPS(t, intrinsics.VendorAMD)
	require.NoError(t, v.WriteReg(RegCsAttrib, 0x0A9B))
	got, err := v.ReadReg(RegCsAttrib)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0A9B), got)
}
