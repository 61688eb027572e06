// Package extension implements the extension loader (spec.md §4.5):
// the seven-step flow that takes an embedded ELF image and a target
// loader module set and produces a runnable extension bound to its
// bootstrap/vmexit/fail entry points.
package extension

import (
	"unsafe"

	"github.com/Bareflank/hypervisor-sub014/internal/bfelf"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
)

// EntryPoints are the five extension entry symbols spec.md §4.5 step 6
// resolves: the three documented ones plus two reserved slots the ABI
// leaves room for future use.
type EntryPoints struct {
	Bootstrap uint64
	VMExit    uint64
	Fail      uint64
	Reserved1 uint64
	Reserved2 uint64
}

const (
	symBootstrap = "bootstrap"
	symVMExit    = "vmexit"
	symFail      = "fail"
	symReserved1 = "reserved1"
	symReserved2 = "reserved2"
)

// Extension is one loaded extension: its parsed image, the region it
// was mapped into, and its resolved entry points.
type Extension struct {
	Image   *bfelf.Image
	Mem     []byte
	ExecVirt uint64
	Entries EntryPoints
}

// Load runs spec.md §4.5's seven-step flow for one extension against
// an already-constructed loader: allocate region, file_init, copy load
// instructions + zero BSS, add to the loader, relocate, and resolve
// entry points. Per-PP bootstrap invocation (step 7) is the caller's
// responsibility (it needs a tls.Block and a real transfer of control,
// which this package has no business doing).
func Load(pool *pagepool.Pool, loader *bfelf.Loader, raw []byte, execVirt uint64) (*Extension, error) {
	// Step 2: file_init.
	img, err := bfelf.Parse(raw)
	if err != nil {
		return nil, err
	}

	// Step 1: allocate a contiguous host-virtual+physical region large
	// enough for total_memsz. The page pool's 4K class is used as the
	// backing granularity, so the region is 4 KiB-aligned. Segment
	// p_align values are not read: an alignment larger than a page is
	// neither honored here nor rejected by bfelf.Parse.
	mem, execAddr, err := allocateRegion(pool, img.TotalMemsz())
	if err != nil {
		return nil, err
	}

	// Step 3: copy load instructions, zero BSS tail.
	for i := 0; i < img.NumLoadInstructions(); i++ {
		li, err := img.LoadInstruction(i)
		if err != nil {
			return nil, err
		}
		dst := mem[li.MemOffset : li.MemOffset+li.MemSize]
		copy(dst, raw[li.FileOffset:li.FileOffset+li.FileSize])
		for i := li.FileSize; i < li.MemSize; i++ {
			dst[i] = 0
		}
	}

	// Step 4: add to the loader.
	if err := loader.AddImage(img, execAddr, execVirt, mem); err != nil {
		return nil, err
	}

	// Step 5: relocate (idempotent across the whole loader).
	if err := loader.Relocate(); err != nil {
		return nil, err
	}

	// Step 6: resolve the five entry points.
	entries, err := resolveEntries(loader)
	if err != nil {
		return nil, err
	}

	return &Extension{Image: img, Mem: mem, ExecVirt: execVirt, Entries: entries}, nil
}

// allocateRegion carves the backing store and returns it alongside its
// host-virtual load address. execAddr must be the real address mem
// lives at, not the page pool's opaque guest-physical numbering: the
// relocation engine writes execAddr-relative self-pointers into mem
// (spec.md §4.1 step 3), and those only resolve correctly at runtime
// if execAddr is where mem is actually mapped in this process.
func allocateRegion(pool *pagepool.Pool, totalMemsz uint64) (mem []byte, execAddr uint64, err error) {
	mem, _, err = pool.AllocateRegion(totalMemsz)
	if err != nil {
		return nil, 0, err
	}
	return mem, uint64(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func resolveEntries(loader *bfelf.Loader) (EntryPoints, error) {
	var e EntryPoints
	var err error
	if e.Bootstrap, err = loader.ResolveSymbol(symBootstrap); err != nil {
		return e, err
	}
	if e.VMExit, err = loader.ResolveSymbol(symVMExit); err != nil {
		return e, err
	}
	if e.Fail, err = loader.ResolveSymbol(symFail); err != nil {
		return e, err
	}
	// The two reserved slots are optional: an extension need not define
	// them, and their absence is not a load failure.
	if v, err := loader.ResolveSymbol(symReserved1); err == nil {
		e.Reserved1 = v
	}
	if v, err := loader.ResolveSymbol(symReserved2); err == nil {
		e.Reserved2 = v
	}
	return e, nil
}
