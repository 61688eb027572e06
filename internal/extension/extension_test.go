package extension

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bareflank/hypervisor-sub014/internal/bfelf"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
)

// buildDemoExtensionELF constructs a minimal single-PT_LOAD+PT_DYNAMIC
// PIE exporting the three required entry symbols (bootstrap, vmexit,
// fail) as strong globals, with no relocations — enough to exercise
// every step of Load except the relocation engine itself, which
// internal/bfelf already covers directly.
func buildDemoExtensionELF() []byte {
	const ehdrSize = 64
	const phdrSize = 56
	const numPhdr = 2
	const dynEntrySize = 16
	const numDyn = 6

	headerSize := uint64(ehdrSize + phdrSize*numPhdr)
	dynOff := headerSize
	dynSize := uint64(numDyn) * dynEntrySize

	type sym struct {
		name  string
		value uint64
	}
	syms := []sym{{"bootstrap", 0x10}, {"vmexit", 0x20}, {"fail", 0x30}}

	symtabOff := dynOff + dynSize
	symtabSize := uint64(len(syms)) * uint64(bfelf.Sym64Size)

	strtabOff := symtabOff + symtabSize
	strBuf := []byte{0}
	nameOffset := map[string]uint64{}
	for _, s := range syms {
		nameOffset[s.name] = uint64(len(strBuf))
		strBuf = append(strBuf, []byte(s.name)...)
		strBuf = append(strBuf, 0)
	}
	strtabSize := uint64(len(strBuf))

	total := strtabOff + strtabSize
	if total%16 != 0 {
		total += 16 - (total % 16)
	}

	buf := make([]byte, total)

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 3)      // ET_DYN
	binary.LittleEndian.PutUint16(buf[18:], 0x3E)   // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)      // e_version
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], numPhdr)

	ph0 := ehdrSize
	binary.LittleEndian.PutUint32(buf[ph0+0:], uint32(bfelf.PTLoad))
	binary.LittleEndian.PutUint32(buf[ph0+4:], bfelf.PermRead|bfelf.PermWrite|bfelf.PermExec)
	binary.LittleEndian.PutUint64(buf[ph0+8:], 0)
	binary.LittleEndian.PutUint64(buf[ph0+16:], 0)
	binary.LittleEndian.PutUint64(buf[ph0+24:], 0)
	binary.LittleEndian.PutUint64(buf[ph0+32:], total)
	binary.LittleEndian.PutUint64(buf[ph0+40:], total)
	binary.LittleEndian.PutUint64(buf[ph0+48:], 0x1000)

	ph1 := ehdrSize + phdrSize
	binary.LittleEndian.PutUint32(buf[ph1+0:], uint32(bfelf.PTDynamic))
	binary.LittleEndian.PutUint32(buf[ph1+4:], bfelf.PermRead|bfelf.PermWrite)
	binary.LittleEndian.PutUint64(buf[ph1+8:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+16:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+24:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+32:], dynSize)
	binary.LittleEndian.PutUint64(buf[ph1+40:], dynSize)
	binary.LittleEndian.PutUint64(buf[ph1+48:], 8)

	putDyn := func(i int, tag bfelf.DynTag, val uint64) {
		o := int(dynOff) + i*dynEntrySize
		binary.LittleEndian.PutUint64(buf[o:], uint64(tag))
		binary.LittleEndian.PutUint64(buf[o+8:], val)
	}
	putDyn(0, bfelf.DTStrTab, strtabOff)
	putDyn(1, bfelf.DTSymTab, symtabOff)
	putDyn(2, bfelf.DTRela, 0)
	putDyn(3, bfelf.DTRelaSz, 0)
	putDyn(4, bfelf.DTRelaEnt, uint64(bfelf.Rela64Size))
	putDyn(5, bfelf.DTNull, 0)

	for i, s := range syms {
		o := int(symtabOff) + i*bfelf.Sym64Size
		binary.LittleEndian.PutUint32(buf[o:], uint32(nameOffset[s.name]))
		buf[o+4] = byte(bfelf.BindGlobal) << 4
		binary.LittleEndian.PutUint16(buf[o+6:], 0)
		binary.LittleEndian.PutUint64(buf[o+8:], s.value)
		binary.LittleEndian.PutUint64(buf[o+16:], 0)
	}

	copy(buf[strtabOff:], strBuf)

	return buf
}

func TestLoadResolvesEntryPoints(t *testing.T) {
	pool, err := pagepool.New(pagepool.Config{Num4K: 16})
	require.NoError(t, err)
	defer pool.Close()

	loader := bfelf.NewLoader(4)
	raw := buildDemoExtensionELF()

	ext, err := Load(pool, loader, raw, 0xFFFF_8000_0000_0000)
	require.NoError(t, err)

	base := ext.Image.ExecAddr()
	assert.Equal(t, base+0x10, ext.Entries.Bootstrap)
	assert.Equal(t, base+0x20, ext.Entries.VMExit)
	assert.Equal(t, base+0x30, ext.Entries.Fail)
	assert.True(t, loader.Relocated())
}

func TestLoadFailsOnUnsupportedMachine(t *testing.T) {
	pool, err := pagepool.New(pagepool.Config{Num4K: 16})
	require.NoError(t, err)
	defer pool.Close()

	loader := bfelf.NewLoader(4)
	raw := buildDemoExtensionELF()
	binary.LittleEndian.PutUint16(raw[18:], 183) // EM_AARCH64

	_, err = Load(pool, loader, raw, 0)
	require.Error(t, err)
}

func TestLoadTwiceIntoSameLoaderAddsSecondModule(t *testing.T) {
	pool, err := pagepool.New(pagepool.Config{Num4K: 16})
	require.NoError(t, err)
	defer pool.Close()

	loader := bfelf.NewLoader(4)
	raw1 := buildDemoExtensionELF()
	raw2 := buildDemoExtensionELF()

	_, err = Load(pool, loader, raw1, 0x1000)
	require.NoError(t, err)
	_, err = Load(pool, loader, raw2, 0x2000)
	require.NoError(t, err)

	assert.Equal(t, 2, loader.NumModules())
}
