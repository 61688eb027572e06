// Package vmpool implements the VM/VP/VPS pools (spec.md §3 "VP / VM"):
// three fixed-capacity tables indexed by 16-bit id, each with a "root"
// instance at id 0 representing the host OS promoted to a guest, and
// free lists (LIFO stacks of ids, not intrusive links) for reuse after
// destroy.
package vmpool

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
	"github.com/Bareflank/hypervisor-sub014/internal/vps"
)

// InvalidID marks "no VM/VP/VPS", matching vps.InvalidID's 0xFFFF
// convention used throughout the pools.
const InvalidID = 0xFFFF

// VM owns a set of VPs. The root VM (id 0) is created at New time
// and can never be destroyed (spec.md §3 "root VM is indestructible").
// vmFD is the real /dev/kvm VM file descriptor, created lazily by VMFD
// on first use rather than at CreateVM time: most VMs in a test or
// bookkeeping-only context never run a VPS and so never need one.
type VM struct {
	id        uint16
	allocated bool
	vpIDs     []uint16
	vmFD      int
}

// VP owns at least one VPS, one per PP it has run on.
type VP struct {
	id        uint16
	allocated bool
	vmID      uint16
	vpsIDs    []uint16
}

// vpsEntry wraps a vps.VPS with the pool bookkeeping (allocated flag,
// owning VP) the VPS package itself doesn't track.
type vpsEntry struct {
	v        *vps.VPS
	allocated bool
	vpID     uint16
}

// Pools is the VM/VP/VPS triplet of fixed-size tables plus their free
// lists. Each table has its own coarse lock (spec.md §5 "VM/VP/VPS
// pools: lock-protected; contains intrusive free-lists"); the three
// locks are never held simultaneously across a pool boundary to avoid
// a lock-order cycle during cascading destroy.
type Pools struct {
	vendor intrinsics.Vendor
	kvmFD  int
	pool   *pagepool.Pool

	vmMu    sync.Mutex
	vms     []VM
	vmFree  []uint16

	vpMu    sync.Mutex
	vps_    []VP
	vpFree  []uint16

	vpsMu   sync.Mutex
	vpss    []vpsEntry
	vpsFree []uint16
}

// New constructs the three pools sized to maxVMs/maxVPs/maxVPSes and
// pre-allocates the root VM/VP/VPS at id 0 (spec.md §3: "each with a
// root instance (id = 0) representing the host OS promoted to a
// guest"). kvmFD is the already-opened /dev/kvm fd (0 is accepted for
// callers that only exercise pool bookkeeping and never run a VPS);
// pool is the page pool whose arena VMFD installs as every VM's guest
// memory on first use, or nil if the caller never runs a VPS either.
func New(kvmFD int, pool *pagepool.Pool, vendor intrinsics.Vendor, maxVMs, maxVPs, maxVPSes int) *Pools {
	p := &Pools{
		vendor: vendor,
		kvmFD:  kvmFD,
		pool:   pool,
		vms:    make([]VM, maxVMs),
		vps_:   make([]VP, maxVPs),
		vpss:   make([]vpsEntry, maxVPSes),
	}
	for i := range p.vms {
		p.vms[i].id = uint16(i)
	}
	for i := range p.vps_ {
		p.vps_[i].id = uint16(i)
	}
	for i := range p.vpss {
		p.vpss[i].v = vps.New(vps.ID(i), vendor)
	}

	for i := maxVMs - 1; i >= 1; i-- {
		p.vmFree = append(p.vmFree, uint16(i))
	}
	for i := maxVPs - 1; i >= 1; i-- {
		p.vpFree = append(p.vpFree, uint16(i))
	}
	for i := maxVPSes - 1; i >= 1; i-- {
		p.vpsFree = append(p.vpsFree, uint16(i))
	}

	p.vms[0].allocated = true
	p.vps_[0].allocated = true
	p.vps_[0].vmID = 0
	p.vms[0].vpIDs = []uint16{0}
	p.vpss[0].allocated = true
	p.vpss[0].vpID = 0
	p.vps_[0].vpsIDs = []uint16{0}

	return p
}

// CreateVM allocates a VM from the free list.
func (p *Pools) CreateVM() (uint16, error) {
	p.vmMu.Lock()
	defer p.vmMu.Unlock()

	if len(p.vmFree) == 0 {
		return InvalidID, bferr.New(bferr.InvalidArgument, "vmpool: VM pool exhausted")
	}
	id := p.vmFree[len(p.vmFree)-1]
	p.vmFree = p.vmFree[:len(p.vmFree)-1]
	p.vms[id].allocated = true
	p.vms[id].vpIDs = nil
	return id, nil
}

// DestroyVM destroys a VM and cascades to all of its VPs (which
// cascades to their VPSes). The root VM may never be destroyed.
func (p *Pools) DestroyVM(id uint16) error {
	if id == 0 {
		return bferr.New(bferr.InvalidArgument, "vmpool: root VM is indestructible")
	}

	p.vmMu.Lock()
	if int(id) >= len(p.vms) || !p.vms[id].allocated {
		p.vmMu.Unlock()
		return bferr.New(bferr.InvalidIndex, "vmpool: no such VM")
	}
	vpIDs := append([]uint16(nil), p.vms[id].vpIDs...)
	p.vmMu.Unlock()

	for _, vpID := range vpIDs {
		if err := p.DestroyVP(vpID); err != nil {
			return err
		}
	}

	p.vmMu.Lock()
	if p.vms[id].vmFD != 0 {
		_ = unix.Close(p.vms[id].vmFD)
		p.vms[id].vmFD = 0
	}
	p.vms[id].allocated = false
	p.vms[id].vpIDs = nil
	p.vmFree = append(p.vmFree, id)
	p.vmMu.Unlock()
	return nil
}

// VMFD returns the real /dev/kvm VM file descriptor backing id,
// creating it via intrinsics.CreateVM on first use and installing a
// single memslot over the whole page pool as that VM's guest-physical
// address space (the identity mapping internal/pagepool's own BaseVirt
// doc comment anticipates). spec.md's hypercall ABI names no standalone
// VM-activation opcode, so the real fd only needs to exist once some
// VPS under this VM actually runs.
func (p *Pools) VMFD(id uint16) (int, error) {
	p.vmMu.Lock()
	defer p.vmMu.Unlock()

	if int(id) >= len(p.vms) || !p.vms[id].allocated {
		return 0, bferr.New(bferr.InvalidIndex, "vmpool: no such VM")
	}
	vm := &p.vms[id]
	if vm.vmFD != 0 {
		return vm.vmFD, nil
	}

	fd, err := intrinsics.CreateVM(p.kvmFD)
	if err != nil {
		return 0, err
	}
	if p.pool != nil {
		region := &intrinsics.UserspaceMemoryRegion{
			Slot:          0,
			GuestPhysAddr: p.pool.BasePhys(),
			MemorySize:    uint64(len(p.pool.Bytes())),
			UserspaceAddr: uint64(p.pool.BaseVirt()),
		}
		if err := intrinsics.SetUserMemoryRegion(fd, region); err != nil {
			_ = unix.Close(fd)
			return 0, err
		}
	}
	vm.vmFD = fd
	return fd, nil
}

// KVMFD returns the raw /dev/kvm fd this Pools was constructed with,
// for callers (the hypercall dispatcher's bf_vps_op_run path) that need
// it alongside a VM fd: KVM_GET_VCPU_MMAP_SIZE is a /dev/kvm-level
// ioctl, not a per-VM one.
func (p *Pools) KVMFD() int { return p.kvmFD }

// OwningVM resolves a VPS's owning VP and that VP's owning VM. A VPS
// only tracks its VP directly (vpsEntry.vpID); this walks the second
// hop for callers that need the real VM fd to activate it.
func (p *Pools) OwningVM(vpsID uint16) (uint16, error) {
	p.vpsMu.Lock()
	if int(vpsID) >= len(p.vpss) || !p.vpss[vpsID].allocated {
		p.vpsMu.Unlock()
		return InvalidID, bferr.New(bferr.InvalidIndex, "vmpool: no such VPS")
	}
	vpID := p.vpss[vpsID].vpID
	p.vpsMu.Unlock()

	p.vpMu.Lock()
	defer p.vpMu.Unlock()
	if int(vpID) >= len(p.vps_) || !p.vps_[vpID].allocated {
		return InvalidID, bferr.New(bferr.InvalidIndex, "vmpool: no such VP")
	}
	return p.vps_[vpID].vmID, nil
}

// CreateVP allocates a VP from the free list and attaches it to vmID.
func (p *Pools) CreateVP(vmID uint16) (uint16, error) {
	p.vmMu.Lock()
	if int(vmID) >= len(p.vms) || !p.vms[vmID].allocated {
		p.vmMu.Unlock()
		return InvalidID, bferr.New(bferr.InvalidIndex, "vmpool: no such VM")
	}
	p.vmMu.Unlock()

	p.vpMu.Lock()
	if len(p.vpFree) == 0 {
		p.vpMu.Unlock()
		return InvalidID, bferr.New(bferr.InvalidArgument, "vmpool: VP pool exhausted")
	}
	id := p.vpFree[len(p.vpFree)-1]
	p.vpFree = p.vpFree[:len(p.vpFree)-1]
	p.vps_[id].allocated = true
	p.vps_[id].vmID = vmID
	p.vps_[id].vpsIDs = nil
	p.vpMu.Unlock()

	p.vmMu.Lock()
	p.vms[vmID].vpIDs = append(p.vms[vmID].vpIDs, id)
	p.vmMu.Unlock()

	return id, nil
}

// DestroyVP destroys a VP and cascades to all of its VPSes.
func (p *Pools) DestroyVP(id uint16) error {
	p.vpMu.Lock()
	if int(id) >= len(p.vps_) || !p.vps_[id].allocated {
		p.vpMu.Unlock()
		return bferr.New(bferr.InvalidIndex, "vmpool: no such VP")
	}
	vpsIDs := append([]uint16(nil), p.vps_[id].vpsIDs...)
	vmID := p.vps_[id].vmID
	p.vpMu.Unlock()

	for _, vpsID := range vpsIDs {
		if err := p.DestroyVPS(vpsID); err != nil {
			return err
		}
	}

	p.vpMu.Lock()
	p.vps_[id].allocated = false
	p.vps_[id].vpsIDs = nil
	p.vpFree = append(p.vpFree, id)
	p.vpMu.Unlock()

	p.vmMu.Lock()
	removeID(&p.vms[vmID].vpIDs, id)
	p.vmMu.Unlock()
	return nil
}

// CreateVPS allocates a VPS from the free list and attaches it to
// vpID, enforcing single-insertion via vps.VPS.MarkAdded (spec.md §3
// "the added counter enforces single-insertion into its VP").
func (p *Pools) CreateVPS(vpID uint16) (uint16, error) {
	p.vpMu.Lock()
	if int(vpID) >= len(p.vps_) || !p.vps_[vpID].allocated {
		p.vpMu.Unlock()
		return InvalidID, bferr.New(bferr.InvalidIndex, "vmpool: no such VP")
	}
	p.vpMu.Unlock()

	p.vpsMu.Lock()
	if len(p.vpsFree) == 0 {
		p.vpsMu.Unlock()
		return InvalidID, bferr.New(bferr.InvalidArgument, "vmpool: VPS pool exhausted")
	}
	id := p.vpsFree[len(p.vpsFree)-1]
	p.vpsFree = p.vpsFree[:len(p.vpsFree)-1]
	entry := &p.vpss[id]
	entry.allocated = true
	entry.vpID = vpID
	p.vpsMu.Unlock()

	if err := entry.v.MarkAdded(); err != nil {
		p.vpsMu.Lock()
		entry.allocated = false
		p.vpsFree = append(p.vpsFree, id)
		p.vpsMu.Unlock()
		return InvalidID, err
	}

	p.vpMu.Lock()
	p.vps_[vpID].vpsIDs = append(p.vps_[vpID].vpsIDs, id)
	p.vpMu.Unlock()

	return id, nil
}

// DestroyVPS deallocates the underlying vps.VPS (if still allocated on
// hardware) and returns its id to the free list.
func (p *Pools) DestroyVPS(id uint16) error {
	p.vpsMu.Lock()
	if int(id) >= len(p.vpss) || !p.vpss[id].allocated {
		p.vpsMu.Unlock()
		return bferr.New(bferr.InvalidIndex, "vmpool: no such VPS")
	}
	entry := &p.vpss[id]
	vpID := entry.vpID
	p.vpsMu.Unlock()

	if entry.v.State() != vps.Unallocated {
		if err := entry.v.Deallocate(); err != nil {
			return err
		}
	}

	p.vpsMu.Lock()
	entry.v = vps.New(vps.ID(id), p.vendor)
	entry.allocated = false
	p.vpsFree = append(p.vpsFree, id)
	p.vpsMu.Unlock()

	p.vpMu.Lock()
	removeID(&p.vps_[vpID].vpsIDs, id)
	p.vpMu.Unlock()
	return nil
}

// VPS returns the live *vps.VPS object for an allocated id.
func (p *Pools) VPS(id uint16) (*vps.VPS, error) {
	p.vpsMu.Lock()
	defer p.vpsMu.Unlock()
	if int(id) >= len(p.vpss) || !p.vpss[id].allocated {
		return nil, bferr.New(bferr.InvalidIndex, "vmpool: no such VPS")
	}
	return p.vpss[id].v, nil
}

func removeID(s *[]uint16, id uint16) {
	for i, v := range *s {
		if v == id {
			*s = append((*s)[:i], (*s)[i+1:]...)
			return
		}
	}
}
