package hypercall

import (
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
	"github.com/Bareflank/hypervisor-sub014/internal/tls"
	"github.com/Bareflank/hypervisor-sub014/internal/vmpool"
	"github.com/Bareflank/hypervisor-sub014/internal/vps"
)

func newTestDispatcher() *Dispatcher {
	mem, err := pagepool.New(pagepool.Config{Num4K: 8})
	if err != nil {
		panic(err)
	}
	pools := vmpool.New(0, mem, intrinsics.VendorIntel, 4, 4, 4)
	tbl := tls.NewTable(2)
	return New(pools, tbl, mem)
}

func openHandle(t *testing.T, d *Dispatcher, ppID uint16) uint64 {
	t.Helper()
	status := d.Dispatch(ppID, MakeOpcode(GroupHandle, HandleOpen), Args{})
	require.False(t, status.Failed())
	// The dispatcher hands out handles starting at 1 and this is the
	// first open in a fresh Dispatcher.
	return 1
}

func TestOpcodePacking(t *testing.T) {
	op := MakeOpcode(GroupVPS, VPSRun)
	assert.Equal(t, GroupVPS, op.Group())
	assert.Equal(t, VPSRun, op.Sub())
}

func TestVMOpRequiresOpenHandle(t *testing.T) {
	d := newTestDispatcher()
	status := d.Dispatch(0, MakeOpcode(GroupVM, VMCreate), Args{0: 999})
	assert.True(t, status.Failed())
	assert.Equal(t, uint32(bferr.InvalidArgument), status.KindInt())
}

func TestVMCreateWithValidHandle(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	status := d.Dispatch(0, MakeOpcode(GroupVM, VMCreate), Args{0: h})
	assert.False(t, status.Failed())

	b, err := d.tls.Get(0)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(0), b.CurrentVMID)
}

func TestHandleClosedRejectsFurtherCalls(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	status := d.Dispatch(0, MakeOpcode(GroupHandle, HandleClose), Args{0: h})
	require.False(t, status.Failed())

	status = d.Dispatch(0, MakeOpcode(GroupVM, VMCreate), Args{0: h})
	assert.True(t, status.Failed())
}

func TestHandleFromWrongPPRejected(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	status := d.Dispatch(1, MakeOpcode(GroupVM, VMCreate), Args{0: h})
	assert.True(t, status.Failed())
}

func TestFullVMVPVPSCreateChain(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	require.False(t, d.Dispatch(0, MakeOpcode(GroupVM, VMCreate), Args{0: h}).Failed())
	b, _ := d.tls.Get(0)
	vmID := b.CurrentVMID

	require.False(t, d.Dispatch(0, MakeOpcode(GroupVP, VPCreate), Args{0: h, 1: uint64(vmID)}).Failed())
	b, _ = d.tls.Get(0)
	vpID := b.CurrentVPID

	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: uint64(vpID)}).Failed())
	b, _ = d.tls.Get(0)
	assert.NotEqual(t, uint16(0), b.CurrentVPSID)
}

func TestVPSFieldWriteReadThroughDispatcher(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)

	pool, err := pagepool.New(pagepool.Config{Num4K: 2})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, v.Allocate(pool, 0x1))
	require.NoError(t, v.WriteField64(1, 0xABCD))

	status := d.Dispatch(0, MakeOpcode(GroupVPS, VPSReadField), Args{0: h, 1: uint64(vpsID), 2: 1})
	assert.False(t, status.Failed())
	assert.Equal(t, uint64(0xABCD), d.ReturnValue(0))
}

func TestUnknownOpcodeGroupFails(t *testing.T) {
	d := newTestDispatcher()
	status := d.Dispatch(0, MakeOpcode(GroupDebug, DebugWriteChar), Args{})
	assert.True(t, status.Failed())
}

func TestVPSReadRegDepositsValueInRBX(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)
	require.NoError(t, v.Allocate(d.pool, 0x1))

	status := d.Dispatch(0, MakeOpcode(GroupVPS, VPSWriteReg), Args{0: h, 1: uint64(vpsID), 2: uint64(vps.RegRcx), 3: 0xCAFE})
	require.False(t, status.Failed())

	status = d.Dispatch(0, MakeOpcode(GroupVPS, VPSReadReg), Args{0: h, 1: uint64(vpsID), 2: uint64(vps.RegRcx)})
	require.False(t, status.Failed())
	assert.Equal(t, uint64(0xCAFE), b.GPR(tls.RBX))
}

func TestIntrinsicRDMSRWRMSRRoundTrip(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)
	require.NoError(t, v.Allocate(d.pool, 0x1))

	const ia32Efer = 0xC0000080
	status := d.Dispatch(0, MakeOpcode(GroupIntrinsic, IntrinsicWRMSR), Args{0: h, 1: ia32Efer, 2: uint64(vpsID), 3: 0x501})
	require.False(t, status.Failed())

	status = d.Dispatch(0, MakeOpcode(GroupIntrinsic, IntrinsicRDMSR), Args{0: h, 1: ia32Efer, 2: uint64(vpsID)})
	require.False(t, status.Failed())
	assert.Equal(t, uint64(0x501), b.GPR(tls.RBX))
}

func TestIntrinsicRDMSRRejectsUnknownAddress(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	status := d.Dispatch(0, MakeOpcode(GroupIntrinsic, IntrinsicRDMSR), Args{0: h, 1: 0xDEADBEEF, 2: 0})
	assert.True(t, status.Failed())
}

func TestIntrinsicInvlpgIsNoopSuccess(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	status := d.Dispatch(0, MakeOpcode(GroupIntrinsic, IntrinsicInvlpg), Args{0: h})
	assert.False(t, status.Failed())
}

func TestMemAllocatePageDepositsPhysAddr(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)

	status := d.Dispatch(0, MakeOpcode(GroupMem, MemAllocatePage), Args{0: h})
	require.False(t, status.Failed())
	b, _ := d.tls.Get(0)
	phys := b.GPR(tls.RBX)
	assert.NotZero(t, phys)

	status = d.Dispatch(0, MakeOpcode(GroupMem, MemDeallocatePage), Args{0: h, 1: phys})
	assert.False(t, status.Failed())
}

func TestMemAllocateHeapUnimplemented(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	status := d.Dispatch(0, MakeOpcode(GroupMem, MemAllocateHeap), Args{0: h})
	assert.True(t, status.Failed())
}

func TestMemOpWithoutPagePoolRejected(t *testing.T) {
	pools := vmpool.New(0, nil, intrinsics.VendorIntel, 4, 4, 4)
	tbl := tls.NewTable(2)
	d := New(pools, tbl, nil)
	h := openHandle(t, d, 0)
	status := d.Dispatch(0, MakeOpcode(GroupMem, MemAllocatePage), Args{0: h})
	assert.True(t, status.Failed())
}

func TestVPSAdvanceIPThroughDispatcher(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)
	require.NoError(t, v.Allocate(d.pool, 0x1))
	require.NoError(t, v.WriteReg(vps.RegRip, 0x1000))

	status := d.Dispatch(0, MakeOpcode(GroupVPS, VPSAdvanceIP), Args{0: h, 1: uint64(vpsID), 2: 4, 3: 0})
	assert.False(t, status.Failed())
	rip, err := v.ReadReg(vps.RegRip)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1004), rip)

	status = d.Dispatch(0, MakeOpcode(GroupVPS, VPSAdvanceIP), Args{0: h, 1: uint64(vpsID), 2: 0x2000, 3: 1})
	assert.False(t, status.Failed())
	rip, err = v.ReadReg(vps.RegRip)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), rip)
}

func TestVPSReadWriteRegRequiresAllocation(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	status := d.Dispatch(0, MakeOpcode(GroupVPS, VPSWriteReg), Args{0: h, 1: uint64(vpsID), 2: uint64(vps.RegRax), 3: 1})
	assert.True(t, status.Failed())
}

func TestVPSStateSaveRoundTripThroughDispatcher(t *testing.T) {
	d := newTestDispatcher()
	h := openHandle(t, d, 0)
	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)
	require.NoError(t, v.Allocate(d.pool, 0x1))

	frame, phys, err := d.pool.AllocatePageOfSize(pagepool.Size4K)
	require.NoError(t, err)
	in := (*vps.StateSave)(unsafe.Pointer(&frame[0]))
	in.Set(vps.RegRax, 0x1111)
	in.Set(vps.RegRip, 0x2222)

	status := d.Dispatch(0, MakeOpcode(GroupVPS, VPSStateSaveToVPS), Args{0: h, 1: uint64(vpsID), 2: phys})
	require.False(t, status.Failed())

	outFrame, outPhys, err := d.pool.AllocatePageOfSize(pagepool.Size4K)
	require.NoError(t, err)
	status = d.Dispatch(0, MakeOpcode(GroupVPS, VPSVPSToStateSave), Args{0: h, 1: uint64(vpsID), 2: outPhys})
	require.False(t, status.Failed())

	out := (*vps.StateSave)(unsafe.Pointer(&outFrame[0]))
	assert.Equal(t, uint64(0x1111), out.Get(vps.RegRax))
	assert.Equal(t, uint64(0x2222), out.Get(vps.RegRip))
}

// TestVPSRunActivatesOnRealKVM exercises bf_vps_op_run end to end
// against a real /dev/kvm vCPU: the first run on an AllocatedInactive
// VPS must create the vCPU through vmpool.Pools.VMFD/vps.VPS.Activate
// before entering, with no separate activate opcode in the ABI.
func TestVPSRunActivatesOnRealKVM(t *testing.T) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available in this environment")
	}
	kvmFD, err := intrinsics.OpenDevice()
	if err != nil {
		t.Skipf("cannot open /dev/kvm: %v", err)
	}
	defer syscall.Close(kvmFD)
	vendor, err := intrinsics.DetectVendor(kvmFD)
	require.NoError(t, err)

	mem, err := pagepool.New(pagepool.Config{Num4K: 8})
	require.NoError(t, err)
	defer mem.Close()

	pools := vmpool.New(kvmFD, mem, vendor, 4, 4, 4)
	tbl := tls.NewTable(2)
	d := New(pools, tbl, mem)
	h := openHandle(t, d, 0)

	require.False(t, d.Dispatch(0, MakeOpcode(GroupVPS, VPSCreate), Args{0: h, 1: 0}).Failed())
	b, _ := d.tls.Get(0)
	vpsID := b.CurrentVPSID

	v, err := d.pools.VPS(vpsID)
	require.NoError(t, err)
	require.NoError(t, v.Allocate(mem, 0x1))
	require.Equal(t, vps.AllocatedInactive, v.State())

	d.Dispatch(0, MakeOpcode(GroupVPS, VPSRun), Args{0: h, 1: uint64(vpsID)})
	assert.Equal(t, vps.AllocatedActive, v.State())
}
