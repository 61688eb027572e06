package hypercall

import (
	"sync"
	"unsafe"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
	"github.com/Bareflank/hypervisor-sub014/internal/tls"
	"github.com/Bareflank/hypervisor-sub014/internal/vmpool"
	"github.com/Bareflank/hypervisor-sub014/internal/vps"
)

// Args are the hypercall's registers 1-5 (spec.md §4.4).
type Args [5]uint64

// handle is an opened extension's capability token (spec.md §4.4
// "bf_handle_op: open/close extension handle"). Grounded on the
// original bfm driver's load/unload lifecycle
// (original_source/bfm/test/test_ioctl_driver.cpp), generalized here
// from a whole-VMM load/unload to a per-extension open/close the
// syscall dispatcher can check on every call.
type handle struct {
	ppID uint16
}

// Dispatcher routes a decoded Opcode+Args to the VM/VP/VPS pools and
// the calling PP's TLS block, validating handle/pool/state legality
// before it touches anything (spec.md §4.4 "Every dispatched call
// validates..."). It is single-threaded per PP (the calling thread is
// the exiting guest) so TLS access needs no lock; pool operations
// already take their own coarse lock.
type Dispatcher struct {
	pools *vmpool.Pools
	tls   *tls.Table
	pool  *pagepool.Pool

	mu         sync.Mutex
	handles    map[uint64]handle
	nextHandle uint64
}

// New builds a Dispatcher against the given pools/TLS table. pool
// backs bf_mem_op's page allocate/deallocate sub-opcodes; pass nil if
// the caller never dispatches GroupMem (every other group ignores it).
func New(pools *vmpool.Pools, tbl *tls.Table, pool *pagepool.Pool) *Dispatcher {
	return &Dispatcher{pools: pools, tls: tbl, pool: pool, handles: make(map[uint64]handle), nextHandle: 1}
}

// Dispatch decodes opcode and runs the corresponding operation on
// behalf of ppID, returning the 64-bit status word placed back in RAX.
// Per spec.md §7 "Top-level hypercall entries catch any unexpected
// failure and convert to the hypercall status word", Dispatch never
// panics out to the caller: any bferr is converted to Status; any
// other failure mode is a programming error in an opcode handler and
// is intentionally left to panic through (it would indicate a defect
// in this package, not extension input).
func (d *Dispatcher) Dispatch(ppID uint16, op Opcode, args Args) Status {
	var err error
	switch op.Group() {
	case GroupHandle:
		err = d.dispatchHandle(ppID, op.Sub(), args)
	case GroupVM:
		err = d.dispatchVM(ppID, op.Sub(), args)
	case GroupVP:
		err = d.dispatchVP(ppID, op.Sub(), args)
	case GroupVPS:
		err = d.dispatchVPS(ppID, op.Sub(), args)
	case GroupIntrinsic:
		err = d.dispatchIntrinsic(ppID, op.Sub(), args)
	case GroupMem:
		err = d.dispatchMem(ppID, op.Sub(), args)
	default:
		err = bferr.New(bferr.InvalidArgument, "hypercall: unimplemented opcode group")
	}
	return toStatus(err)
}

func toStatus(err error) Status {
	if err == nil {
		return Status(0)
	}
	return Status(failureBit | uint64(bferr.KindOf(err)))
}

// requireHandle checks that args[0] names a handle opened by ppID
// (spec.md §4.4 "the calling PP's handle matches an opened handle").
func (d *Dispatcher) requireHandle(ppID uint16, h uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hh, ok := d.handles[h]
	if !ok || hh.ppID != ppID {
		return bferr.New(bferr.InvalidArgument, "hypercall: handle not opened by calling PP")
	}
	return nil
}

func (d *Dispatcher) dispatchHandle(ppID uint16, sub uint64, args Args) error {
	switch sub {
	case HandleOpen:
		d.mu.Lock()
		h := d.nextHandle
		d.nextHandle++
		d.handles[h] = handle{ppID: ppID}
		d.mu.Unlock()
		return nil
	case HandleClose:
		if err := d.requireHandle(ppID, args[0]); err != nil {
			return err
		}
		d.mu.Lock()
		delete(d.handles, args[0])
		d.mu.Unlock()
		return nil
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_handle_op sub-opcode")
	}
}

func (d *Dispatcher) dispatchVM(ppID uint16, sub uint64, args Args) error {
	if err := d.requireHandle(ppID, args[0]); err != nil {
		return err
	}
	switch sub {
	case VMCreate:
		id, err := d.pools.CreateVM()
		if err != nil {
			return err
		}
		return d.setCurrentVM(ppID, id)
	case VMDestroy:
		return d.pools.DestroyVM(uint16(args[1]))
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_vm_op sub-opcode")
	}
}

func (d *Dispatcher) dispatchVP(ppID uint16, sub uint64, args Args) error {
	if err := d.requireHandle(ppID, args[0]); err != nil {
		return err
	}
	switch sub {
	case VPCreate:
		id, err := d.pools.CreateVP(uint16(args[1]))
		if err != nil {
			return err
		}
		return d.setCurrentVP(ppID, id)
	case VPDestroy:
		return d.pools.DestroyVP(uint16(args[1]))
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_vp_op sub-opcode")
	}
}

func (d *Dispatcher) dispatchVPS(ppID uint16, sub uint64, args Args) error {
	if err := d.requireHandle(ppID, args[0]); err != nil {
		return err
	}
	switch sub {
	case VPSCreate:
		id, err := d.pools.CreateVPS(uint16(args[1]))
		if err != nil {
			return err
		}
		return d.setCurrentVPS(ppID, id)
	case VPSDestroy:
		return d.pools.DestroyVPS(uint16(args[1]))
	case VPSReadReg:
		v, err := d.pools.VPS(uint16(args[1]))
		if err != nil {
			return err
		}
		val, err := v.ReadReg(vps.RegToken(args[2]))
		if err != nil {
			return err
		}
		return d.setReturnValue(ppID, val)
	case VPSWriteReg:
		v, err := d.pools.VPS(uint16(args[1]))
		if err != nil {
			return err
		}
		return v.WriteReg(vps.RegToken(args[2]), args[3])
	case VPSReadField:
		v, err := d.pools.VPS(uint16(args[1]))
		if err != nil {
			return err
		}
		val, err := v.ReadField64(int(args[2]))
		if err != nil {
			return err
		}
		return d.setReturnValue(ppID, val)
	case VPSWriteField:
		v, err := d.pools.VPS(uint16(args[1]))
		if err != nil {
			return err
		}
		return v.WriteField64(int(args[2]), args[3])
	case VPSStateSaveToVPS:
		v, stateSave, err := d.vpsAndStateSaveFrame(uint16(args[1]), args[2])
		if err != nil {
			return err
		}
		return v.StateSaveToVPS(stateSave)
	case VPSVPSToStateSave:
		v, stateSave, err := d.vpsAndStateSaveFrame(uint16(args[1]), args[2])
		if err != nil {
			return err
		}
		out, err := v.VPSToStateSave()
		if err != nil {
			return err
		}
		*stateSave = *out
		return nil
	case VPSRun:
		return d.dispatchVPSRun(ppID, uint16(args[1]))
	case VPSAdvanceIP:
		v, err := d.pools.VPS(uint16(args[1]))
		if err != nil {
			return err
		}
		return v.AdvanceIP(args[2], args[3] != 0)
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_vps_op sub-opcode")
	}
}

// vpsAndStateSaveFrame resolves both halves a state-save transfer
// opcode needs: the target VPS, and a *vps.StateSave overlaying a
// page-pool frame args identifies by its guest-physical address
// (spec.md §4.4 names no separate "allocate a state-save buffer"
// opcode; the caller allocates the carrier page via bf_mem_op first).
func (d *Dispatcher) vpsAndStateSaveFrame(vpsID uint16, phys uint64) (*vps.VPS, *vps.StateSave, error) {
	if d.pool == nil {
		return nil, nil, bferr.New(bferr.InvalidArgument, "hypercall: dispatcher has no page pool attached")
	}
	v, err := d.pools.VPS(vpsID)
	if err != nil {
		return nil, nil, err
	}
	return v, (*vps.StateSave)(unsafe.Pointer(d.pool.PhysToVirt(phys))), nil
}

// dispatchVPSRun runs bf_vps_op_run. spec.md names no standalone
// activation opcode, so the first run on an allocated-inactive VPS
// activates it here: resolving the owning VM's real /dev/kvm fd through
// vmpool.Pools.OwningVM/VMFD before vps.VPS.Activate creates the vCPU.
func (d *Dispatcher) dispatchVPSRun(ppID uint16, vpsID uint16) error {
	v, err := d.pools.VPS(vpsID)
	if err != nil {
		return err
	}

	if v.State() == vps.AllocatedInactive {
		vmID, err := d.pools.OwningVM(vpsID)
		if err != nil {
			return err
		}
		vmFD, err := d.pools.VMFD(vmID)
		if err != nil {
			return err
		}
		if err := v.Activate(int(ppID), d.pools.KVMFD(), vmFD); err != nil {
			return err
		}
	}

	info, err := v.Run(&vps.Controls{}, vps.DefaultCapabilities())
	if err != nil {
		return err
	}
	return d.setReturnValue(ppID, uint64(info.Reason))
}

// setReturnValue deposits a read operation's result in the calling
// PP's RBX shadow register. Status (RAX) only carries success/failure
// plus a bferr.Kind (spec.md §4.4 "Return in RAX"), so any opcode that
// reads a value back uses the next register in the TLS GPR shadow,
// matching the x86-64 calling convention's register order.
func (d *Dispatcher) setReturnValue(ppID uint16, val uint64) error {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return err
	}
	b.SetGPR(tls.RBX, val)
	return nil
}

func (d *Dispatcher) dispatchIntrinsic(ppID uint16, sub uint64, args Args) error {
	if err := d.requireHandle(ppID, args[0]); err != nil {
		return err
	}
	switch sub {
	case IntrinsicRDMSR:
		tok, ok := msrToToken[args[1]]
		if !ok {
			return bferr.New(bferr.InvalidArgument, "hypercall: unsupported msr address")
		}
		v, err := d.pools.VPS(uint16(args[2]))
		if err != nil {
			return err
		}
		val, err := v.ReadReg(tok)
		if err != nil {
			return err
		}
		return d.setReturnValue(ppID, val)
	case IntrinsicWRMSR:
		tok, ok := msrToToken[args[1]]
		if !ok {
			return bferr.New(bferr.InvalidArgument, "hypercall: unsupported msr address")
		}
		v, err := d.pools.VPS(uint16(args[2]))
		if err != nil {
			return err
		}
		return v.WriteReg(tok, args[3])
	case IntrinsicInvlpg:
		// Every mapping this repo manages lives in the page pool's own
		// flat arena (internal/pagepool), not a per-VPS guest address
		// space with stale TLB entries to shoot down, so invlpg has
		// nothing to do beyond acknowledging the call.
		return nil
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_intrinsic_op sub-opcode")
	}
}

func (d *Dispatcher) dispatchMem(ppID uint16, sub uint64, args Args) error {
	if err := d.requireHandle(ppID, args[0]); err != nil {
		return err
	}
	if d.pool == nil {
		return bferr.New(bferr.InvalidArgument, "hypercall: dispatcher has no page pool attached")
	}
	switch sub {
	case MemAllocatePage:
		_, phys, err := d.pool.AllocatePageOfSize(pagepool.Size4K)
		if err != nil {
			return err
		}
		return d.setReturnValue(ppID, phys)
	case MemAllocateHugePage:
		_, phys, err := d.pool.AllocatePageOfSize(pagepool.Size2M)
		if err != nil {
			return err
		}
		return d.setReturnValue(ppID, phys)
	case MemDeallocatePage:
		return d.pool.Deallocate(pagepool.Size4K, args[1])
	case MemAllocateHeap, MemMapGPA, MemUnmapGPA:
		// Heap growth and guest-physical mapping both need a per-VM
		// address space this repo doesn't model (no KVM memslot
		// bookkeeping lives in Dispatcher); left unimplemented rather
		// than faked.
		return bferr.New(bferr.InvalidArgument, "hypercall: bf_mem_op sub-opcode not implemented")
	default:
		return bferr.New(bferr.InvalidArgument, "hypercall: unknown bf_mem_op sub-opcode")
	}
}

func (d *Dispatcher) setCurrentVM(ppID uint16, id uint16) error {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return err
	}
	b.CurrentVMID = id
	return nil
}

func (d *Dispatcher) setCurrentVP(ppID uint16, id uint16) error {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return err
	}
	b.CurrentVPID = id
	return nil
}

func (d *Dispatcher) setCurrentVPS(ppID uint16, id uint16) error {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return err
	}
	b.CurrentVPSID = id
	return nil
}

// CurrentVM, CurrentVP, CurrentVPS and ReturnValue give a caller
// driving the Dispatcher directly (as opposed to through a real
// VM-exit trampoline writing RAX/RBX back into guest registers) a way
// to read the state the most recent Dispatch call left in the calling
// PP's TLS block. They return the zero value for an unknown ppID
// rather than erroring, matching the fact that nothing can be "read
// back" before the PP's TLS block exists.
func (d *Dispatcher) CurrentVM(ppID uint16) uint16 {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return 0
	}
	return b.CurrentVMID
}

func (d *Dispatcher) CurrentVP(ppID uint16) uint16 {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return 0
	}
	return b.CurrentVPID
}

func (d *Dispatcher) CurrentVPS(ppID uint16) uint16 {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return 0
	}
	return b.CurrentVPSID
}

func (d *Dispatcher) ReturnValue(ppID uint16) uint64 {
	b, err := d.tls.Get(ppID)
	if err != nil {
		return 0
	}
	return b.GPR(tls.RBX)
}
