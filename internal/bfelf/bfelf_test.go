package bfelf

import (
	"encoding/binary"
	"testing"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const emAArch64 = 183

func TestParse_TooSmallBuffer(t *testing.T) {
	img, err := Parse([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, bferr.InvalidArgument, bferr.KindOf(err))
	assert.Equal(t, 0, img.NumLoadInstructions())
	assert.Equal(t, uint64(0), img.Entry())
}

func TestParse_UnsupportedMachine(t *testing.T) {
	b := buildTestELF(emAArch64, uint16(TypeDyn), nil, nil, 0x1000)
	img, err := Parse(b.raw)
	require.Error(t, err)
	assert.Equal(t, bferr.UnsupportedFile, bferr.KindOf(err))
	// file_init zeros the descriptor on failure.
	assert.Equal(t, 0, img.NumLoadInstructions())
	assert.False(t, img.IsPIC() && img.Added())
}

func TestParse_ValidDynamicExecutable_RelativeRelocation(t *testing.T) {
	relas := []testRela{
		{offset: 0x3000, rtype: RX8664Relative, sym: 0, addend: 0x200},
	}
	b := buildTestELF(machineX8664, uint16(TypeDyn), nil, relas, 0x4000)

	img, err := Parse(b.raw)
	require.NoError(t, err)
	require.True(t, img.IsPIC())

	mem := append([]byte(nil), b.raw...)

	loader := NewLoader(4)
	const execAddr = 0x1_0000_0000
	const execVirt = 0xFFFF_8000_0000_0000
	require.NoError(t, loader.AddImage(img, execAddr, execVirt, mem))
	require.NoError(t, loader.Relocate())

	got := binary.LittleEndian.Uint64(mem[0x3000:])
	assert.Equal(t, uint64(0xFFFF_8000_0000_0200), got)
}

func TestLoader_Relocate_Idempotent(t *testing.T) {
	relas := []testRela{
		{offset: 0x3000, rtype: RX8664Relative, sym: 0, addend: 0x10},
	}
	b := buildTestELF(machineX8664, uint16(TypeDyn), nil, relas, 0x4000)
	img, err := Parse(b.raw)
	require.NoError(t, err)

	mem := append([]byte(nil), b.raw...)
	loader := NewLoader(4)
	require.NoError(t, loader.AddImage(img, 0x2000_0000, 0x4000_0000, mem))

	require.NoError(t, loader.Relocate())
	first := append([]byte(nil), mem...)

	require.NoError(t, loader.Relocate())
	assert.Equal(t, first, mem)
	assert.True(t, loader.Relocated())
}

func TestLoader_WeakThenStrongSymbolResolution(t *testing.T) {
	// A and B define "foo" as weak; C defines it as a strong global.
	// A strong definition anywhere in the scan must win over weak ones
	// seen earlier, per spec.md's "Relocate" symbol-scan description.
	a := buildTestELF(machineX8664, uint16(TypeDyn),
		[]testSym{{name: "foo", value: 0x1111, bind: BindWeak}}, nil, 0x2000)
	bImg := buildTestELF(machineX8664, uint16(TypeDyn),
		[]testSym{{name: "foo", value: 0x2222, bind: BindWeak}, {name: "bar", value: 0x4444, bind: BindWeak}}, nil, 0x2000)
	c := buildTestELF(machineX8664, uint16(TypeDyn),
		[]testSym{{name: "foo", value: 0x3333, bind: BindGlobal}}, nil, 0x2000)

	loader := NewLoader(4)
	for _, raw := range [][]byte{a.raw, bImg.raw, c.raw} {
		img, err := Parse(raw)
		require.NoError(t, err)
		mem := append([]byte(nil), raw...)
		require.NoError(t, loader.AddImage(img, 0, 0, mem))
	}

	v, err := loader.ResolveSymbol("foo")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3333), v)

	v, err = loader.ResolveSymbol("bar")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4444), v)

	_, err = loader.ResolveSymbol("nonexistent")
	require.Error(t, err)
	assert.Equal(t, bferr.NoSuchSymbol, bferr.KindOf(err))
}

func TestLoader_CyclicImportResolution(t *testing.T) {
	// Module A defines aSym and imports bSym; module B defines bSym and
	// imports aSym. A single Relocate() call must resolve both.
	aSyms := []testSym{
		{name: "aSym", value: 0x5000, bind: BindGlobal},
		{name: "bSym", value: 0, bind: BindGlobal}, // undefined, resolved from B
	}
	aRelas := []testRela{{offset: 0x3000, rtype: RX8664_64, sym: 1, addend: 0}}
	a := buildTestELF(machineX8664, uint16(TypeDyn), aSyms, aRelas, 0x4000)

	bSyms := []testSym{
		{name: "bSym", value: 0x6000, bind: BindGlobal},
		{name: "aSym", value: 0, bind: BindGlobal}, // undefined, resolved from A
	}
	bRelas := []testRela{{offset: 0x3000, rtype: RX8664_64, sym: 1, addend: 0}}
	bImg := buildTestELF(machineX8664, uint16(TypeDyn), bSyms, bRelas, 0x4000)

	imgA, err := Parse(a.raw)
	require.NoError(t, err)
	imgB, err := Parse(bImg.raw)
	require.NoError(t, err)

	memA := append([]byte(nil), a.raw...)
	memB := append([]byte(nil), bImg.raw...)

	loader := NewLoader(4)
	require.NoError(t, loader.AddImage(imgA, 0, 0, memA))
	require.NoError(t, loader.AddImage(imgB, 0, 0, memB))
	require.NoError(t, loader.Relocate())

	assert.Equal(t, uint64(0x6000), binary.LittleEndian.Uint64(memA[0x3000:]))
	assert.Equal(t, uint64(0x5000), binary.LittleEndian.Uint64(memB[0x3000:]))
}

func TestLoader_AddImage_CapacityExceeded(t *testing.T) {
	loader := NewLoader(1)

	a := buildTestELF(machineX8664, uint16(TypeDyn), nil, nil, 0x1000)
	imgA, err := Parse(a.raw)
	require.NoError(t, err)
	require.NoError(t, loader.AddImage(imgA, 0, 0, append([]byte(nil), a.raw...)))

	b := buildTestELF(machineX8664, uint16(TypeDyn), nil, nil, 0x1000)
	imgB, err := Parse(b.raw)
	require.NoError(t, err)
	err = loader.AddImage(imgB, 0, 0, append([]byte(nil), b.raw...))
	require.Error(t, err)
	assert.Equal(t, bferr.LoaderFull, bferr.KindOf(err))
	assert.Equal(t, 1, loader.NumModules())
}

func TestImage_Add_Twice(t *testing.T) {
	b := buildTestELF(machineX8664, uint16(TypeDyn), nil, nil, 0x1000)
	img, err := Parse(b.raw)
	require.NoError(t, err)
	require.NoError(t, img.Add(0x1000, 0x2000))
	err = img.Add(0x1000, 0x2000)
	require.Error(t, err)
	assert.Equal(t, bferr.InvalidArgument, bferr.KindOf(err))
}

// buildELFWithLoads constructs a header-only (no PT_DYNAMIC) image with
// n PT_LOAD entries, used to exercise the MaxLoadSegments boundary.
func buildELFWithLoads(n int) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	total := ehdrSize + n*phdrSize
	buf := make([]byte, total)

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4], buf[5], buf[6], buf[7] = 2, 1, 1, 0
	binary.LittleEndian.PutUint16(buf[16:], uint16(TypeDyn))
	binary.LittleEndian.PutUint16(buf[18:], machineX8664)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(n))

	for i := 0; i < n; i++ {
		off := ehdrSize + i*phdrSize
		binary.LittleEndian.PutUint32(buf[off+0:], uint32(PTLoad))
		binary.LittleEndian.PutUint32(buf[off+4:], PermRead)
		binary.LittleEndian.PutUint64(buf[off+8:], 0)
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(i)*0x1000)
		binary.LittleEndian.PutUint64(buf[off+24:], uint64(i)*0x1000)
		binary.LittleEndian.PutUint64(buf[off+32:], 0)
		binary.LittleEndian.PutUint64(buf[off+40:], 0x1000)
		binary.LittleEndian.PutUint64(buf[off+48:], 0x1000)
	}
	return buf
}

func TestParse_PTLoadSegmentsTruncatedAtFour(t *testing.T) {
	raw := buildELFWithLoads(5)
	img, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, MaxLoadSegments, img.NumLoadInstructions())

	_, err = img.LoadInstruction(MaxLoadSegments)
	require.Error(t, err)
	assert.Equal(t, bferr.InvalidIndex, bferr.KindOf(err))

	li, err := img.LoadInstruction(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(PermRead), li.Perm)
}

func TestParse_PTLoadSegmentsWithinLimit(t *testing.T) {
	raw := buildELFWithLoads(MaxLoadSegments - 1)
	img, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, MaxLoadSegments-1, img.NumLoadInstructions())
}
