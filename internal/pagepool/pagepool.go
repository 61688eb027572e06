// Package pagepool implements the arena page-pool allocator (spec.md
// §3/§4.2): three fixed-capacity free lists over 4 KiB/2 MiB/1 GiB
// frames carved out of one physically-contiguous-in-spirit backing
// region, with affine virt<->phys translation.
//
// There is no real guest-physical address space in a userspace-KVM
// implementation, so "physical" here means the opaque frame-number
// space this pool hands to KVM_SET_USER_MEMORY_REGION — affine in
// exactly the sense spec.md requires (single base offset from the
// host-virtual mapping).
package pagepool

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
)

// Size identifies one of the three supported frame size classes.
type Size int

const (
	Size4K Size = iota
	Size2M
	Size1G
	numSizes
)

// Bytes returns the frame size in bytes for the size class.
func (s Size) Bytes() uint64 {
	switch s {
	case Size4K:
		return 4 * 1024
	case Size2M:
		return 2 * 1024 * 1024
	case Size1G:
		return 1024 * 1024 * 1024
	default:
		return 0
	}
}

func (s Size) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return "?"
	}
}

// Config sizes the three arenas by frame count.
type Config struct {
	Num4K int
	Num2M int
	Num1G int

	// PhysBase is the opaque base this pool's translation is offset
	// from; callers that feed KVM_SET_USER_MEMORY_REGION pass this as
	// the guest-physical base.
	PhysBase uint64
}

type arena struct {
	size  uint64
	start uint64 // byte offset into mem
	free  []uint64
	inUse []bool
}

// Pool is the page pool. Zero value is not usable; construct with New.
type Pool struct {
	mu       sync.Mutex
	mem      []byte
	virtBase uintptr
	physBase uint64
	arenas   [numSizes]arena
}

// New mmaps a single anonymous backing region sized and aligned to
// hold the configured frame counts per class, and carves it into three
// size-aligned sub-arenas.
func New(cfg Config) (*Pool, error) {
	align := Size1G.Bytes()

	size4 := uint64(cfg.Num4K) * Size4K.Bytes()
	size2 := uint64(cfg.Num2M) * Size2M.Bytes()
	size1 := uint64(cfg.Num1G) * Size1G.Bytes()

	// Over-allocate by one alignment unit so each arena can start on an
	// align-sized boundary (2M/1G frames require region alignment to
	// the frame size, spec.md §3 "Page pool").
	total := roundUp(size4, align) + roundUp(size2, align) + roundUp(size1, align) + align

	mem, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrap(err, "pagepool: mmap backing region")
	}

	virtBase := uintptr(unsafe.Pointer(&mem[0]))
	alignedStart := roundUp(uint64(virtBase), align) - uint64(virtBase)

	p := &Pool{mem: mem, virtBase: virtBase, physBase: cfg.PhysBase}

	off := alignedStart
	off = p.initArena(Size4K, off, cfg.Num4K)
	off = roundUp(off, align)
	off = p.initArena(Size2M, off, cfg.Num2M)
	off = roundUp(off, align)
	p.initArena(Size1G, off, cfg.Num1G)

	return p, nil
}

func (p *Pool) initArena(s Size, start uint64, count int) uint64 {
	a := arena{size: s.Bytes(), start: start}
	a.free = make([]uint64, count)
	a.inUse = make([]bool, count)
	for i := 0; i < count; i++ {
		a.free[i] = start + uint64(i)*s.Bytes()
	}
	p.arenas[s] = a
	return start + uint64(count)*s.Bytes()
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// AllocatePageOfSize returns a zeroed frame of the requested size as a
// byte slice viewing the pool's backing memory, plus its phys address.
// Returns invalid_argument if the class is exhausted (the spec's "OOM
// returns null; caller must handle").
func (p *Pool) AllocatePageOfSize(s Size) ([]byte, uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := &p.arenas[s]
	if len(a.free) == 0 {
		return nil, 0, bferr.New(bferr.InvalidArgument, "pagepool: "+s.String()+" class exhausted")
	}

	off := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	idx := (off - a.start) / a.size
	a.inUse[idx] = true

	frame := p.mem[off : off+a.size]
	for i := range frame {
		frame[i] = 0
	}
	return frame, p.virtToPhys(p.virtBase + uintptr(off)), nil
}

// Deallocate returns a frame identified by its phys address to its
// size class's free list.
func (p *Pool) Deallocate(s Size, phys uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := &p.arenas[s]
	v := p.physToVirt(phys)
	off := uint64(v) - uint64(p.virtBase)
	if off < a.start || (off-a.start)%a.size != 0 {
		return bferr.New(bferr.InvalidArgument, "pagepool: phys addr not a valid frame of this class")
	}
	idx := (off - a.start) / a.size
	if idx >= uint64(len(a.inUse)) || !a.inUse[idx] {
		return bferr.New(bferr.InvalidArgument, "pagepool: double free or out-of-range frame")
	}
	a.inUse[idx] = false
	a.free = append(a.free, off)
	return nil
}

// VirtToPhys and PhysToVirt are the affine translation spec.md §3
// requires (single base offset since the region is one contiguous
// mapping).
func (p *Pool) VirtToPhys(virt uintptr) uint64 { return p.virtToPhys(virt) }
func (p *Pool) PhysToVirt(phys uint64) uintptr { return p.physToVirt(phys) }

func (p *Pool) virtToPhys(virt uintptr) uint64 {
	return p.physBase + uint64(virt-p.virtBase)
}

func (p *Pool) physToVirt(phys uint64) uintptr {
	return p.virtBase + uintptr(phys-p.physBase)
}

// BaseVirt/BasePhys expose the region's base for callers installing a
// KVM_SET_USER_MEMORY_REGION covering the whole pool (e.g. the root
// VM's identity-mapped guest memory).
func (p *Pool) BaseVirt() uintptr { return p.virtBase }
func (p *Pool) BasePhys() uint64  { return p.physBase }
func (p *Pool) Bytes() []byte     { return p.mem }

// Close unmaps the backing region.
func (p *Pool) Close() error {
	return unix.Munmap(p.mem)
}

// AllocateRegion mmaps a dedicated, independently-owned
// host-virtual+physical-contiguous region of the requested size,
// outside the frame-class arenas. The extension loader uses this for
// step 1 of spec.md §4.5 ("allocate a contiguous host-virtual+physical
// region large enough for total_memsz"): an extension image's backing
// store is not a frame this pool's allocator hands back individually,
// since nothing else shares or frees sub-ranges of it. The returned
// phys value is this region's own affine base, not an offset into the
// pool's frame arenas.
func (p *Pool) AllocateRegion(size uint64) ([]byte, uint64, error) {
	if size == 0 {
		size = 1
	}
	aligned := roundUp(size, Size4K.Bytes())
	mem, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, errors.Wrap(err, "pagepool: mmap extension region")
	}
	phys := p.physBase + uint64(uintptr(unsafe.Pointer(&mem[0]))-p.virtBase)
	return mem, phys, nil
}

// Allocate carves a zeroed 4 KiB frame and reinterprets it as *T,
// mirroring the C++ source's allocate<T>() (spec.md §4.2). Panics if
// T does not fit in a 4 KiB frame — that is a programmer error, not a
// runtime condition the spec asks callers to handle.
func Allocate[T any](p *Pool) (*T, uint64, error) {
	var zero T
	if unsafe.Sizeof(zero) > Size4K.Bytes() {
		panic("pagepool: type too large for a 4K frame")
	}
	frame, phys, err := p.AllocatePageOfSize(Size4K)
	if err != nil {
		return nil, 0, err
	}
	return (*T)(unsafe.Pointer(&frame[0])), phys, nil
}
