package vmm

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bareflank/hypervisor-sub014/internal/bfelf"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/vmmconfig"
)

// buildMinimalELF builds a single-PT_LOAD PIE with one global symbol,
// "bootstrap", enough to drive extension.Load end-to-end without
// pulling in internal/extension's test helper (unexported, different
// package).
func buildMinimalELF() []byte {
	const ehdrSize = 64
	const phdrSize = 56
	const dynEntrySize = 16
	const numDyn = 6

	headerSize := uint64(ehdrSize + phdrSize)
	dynOff := headerSize
	dynSize := uint64(numDyn) * dynEntrySize
	symtabOff := dynOff + dynSize
	symtabSize := uint64(bfelf.Sym64Size)
	strtabOff := symtabOff + symtabSize
	strBuf := []byte{0, 'b', 'o', 'o', 't', 's', 't', 'r', 'a', 'p', 0}
	strtabSize := uint64(len(strBuf))

	total := strtabOff + strtabSize
	if total%16 != 0 {
		total += 16 - total%16
	}
	buf := make([]byte, total)

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], 3)
	binary.LittleEndian.PutUint16(buf[18:], 0x3E)
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	ph := ehdrSize
	binary.LittleEndian.PutUint32(buf[ph+0:], uint32(bfelf.PTLoad))
	binary.LittleEndian.PutUint32(buf[ph+4:], bfelf.PermRead|bfelf.PermWrite|bfelf.PermExec)
	binary.LittleEndian.PutUint64(buf[ph+32:], total)
	binary.LittleEndian.PutUint64(buf[ph+40:], total)
	binary.LittleEndian.PutUint64(buf[ph+48:], 0x1000)

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

	so := int(symtabOff)
	binary.LittleEndian.PutUint32(buf[so:], 1) // name offset of "bootstrap"
	buf[so+4] = byte(bfelf.BindGlobal) << 4
	binary.LittleEndian.PutUint64(buf[so+8:], 0x10)

	copy(buf[strtabOff:], strBuf)
	return buf
}

func driverBuffer(image []byte) []byte {
	header := make([]byte, driverHeaderSize)
	binary.LittleEndian.PutUint64(header[0:], 0xDEAD0000)
	binary.LittleEndian.PutUint64(header[8:], 0x7000_0000)
	binary.LittleEndian.PutUint64(header[16:], 0x8000_0000)
	binary.LittleEndian.PutUint64(header[24:], uint64(len(header)+len(image)))
	return append(header, image...)
}

func testConfig(numPPs int) vmmconfig.Config {
	cfg := vmmconfig.Default()
	cfg.NumPPs = numPPs
	return cfg
}

func TestParseDriverHeaderRejectsShortBuffer(t *testing.T) {
	_, _, err := ParseDriverHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseDriverHeaderRejectsUndersizedTotal(t *testing.T) {
	buf := driverBuffer(buildMinimalELF())
	binary.LittleEndian.PutUint64(buf[24:], 1) // total_size smaller than actual buffer
	_, _, err := ParseDriverHeader(buf)
	require.Error(t, err)
}

func TestLoadImagesResolvesBootstrap(t *testing.T) {
	v, err := New(testConfig(1), 0, intrinsics.VendorIntel, nil)
	require.NoError(t, err)

	require.NoError(t, v.LoadImages(driverBuffer(buildMinimalELF())))
	require.Len(t, v.extensions, 1)
	assert.NotZero(t, v.extensions[0].Entries.Bootstrap)
}

func TestBringUpInvokesEveryPP(t *testing.T) {
	v, err := New(testConfig(3), 0, intrinsics.VendorIntel, nil)
	require.NoError(t, err)
	require.NoError(t, v.LoadImages(driverBuffer(buildMinimalELF())))

	var mu sync.Mutex
	invoked := map[uint16]bool{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = v.BringUp(ctx, func(ppID uint16, entry uint64) error {
		mu.Lock()
		invoked[ppID] = true
		mu.Unlock()
		assert.NotZero(t, entry)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, invoked, 3)
}

func TestBringUpWithoutImagesFails(t *testing.T) {
	v, err := New(testConfig(1), 0, intrinsics.VendorIntel, nil)
	require.NoError(t, err)

	err = v.BringUp(context.Background(), func(uint16, uint64) error { return nil })
	require.Error(t, err)
}

func TestStopReachesEveryPP(t *testing.T) {
	v, err := New(testConfig(2), 0, intrinsics.VendorIntel, nil)
	require.NoError(t, err)
	require.NoError(t, v.LoadImages(driverBuffer(buildMinimalELF())))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, v.BringUp(ctx, func(uint16, uint64) error { return nil }))

	require.NoError(t, v.Stop(ctx))
}
