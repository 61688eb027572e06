package bfelf

import (
	"encoding/binary"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
)

// dynInfo holds the values pulled from the PT_DYNAMIC walk, still in
// whatever relative-ness the caller last set them to (file-relative
// before Add, exec_addr-relative after).
type dynInfo struct {
	neededOffsets []uint64 // NameOff values into strtab, resolved lazily
	pltRelSz      uint64
	hash          uint64
	gnuHash       uint64
	strTab        uint64
	symTab        uint64
	rela          uint64
	relaSz        uint64
	relaEnt       uint64
	strSz         uint64
	init          uint64
	fini          uint64
	jmpRel        uint64
	initArray     uint64
	finiArray     uint64
	initArraySz   uint64
	finiArraySz   uint64
	flags1        uint64
	haveHash      bool
	haveGNUHash   bool
}

// gnuHashHeader is the header preceding a GNU hash table's bucket/chain
// arrays.
type gnuHashHeader struct {
	nbucket    uint32
	symoffset  uint32
	bloomSize  uint32
	bloomShift uint32
}

// Image is a parsed ELF64 image descriptor (spec.md §3 "ELF image
// descriptor"). It is created by Parse, and transitions through Add
// and Relocate (the latter driven by the owning Loader) exactly once
// each.
type Image struct {
	raw []byte // the original file bytes; never mutated post-Parse

	typ      Type
	entry    uint64
	startAddr uint64 // first PT_LOAD p_vaddr; zero means PIC
	pic      bool

	loads      [MaxLoadSegments]LoadInstruction
	numLoads   int
	droppedLoads int // count of PT_LOAD entries beyond MaxLoadSegments

	hasDynamic bool
	dynOffset  uint64
	dynSize    uint64
	strTabFileOff uint64
	symTabFileOff uint64
	gnuHashBucketFileOff uint64
	dyn        dynInfo

	stackExec   bool
	haveRelro   bool
	relroAddr   uint64
	relroSize   uint64

	ehFrameAddr uint64
	ehFrameSize uint64
	ctorsAddr   uint64
	ctorsSize   uint64
	dtorsAddr   uint64
	dtorsSize   uint64

	totalMemsz uint64

	// added tracks single-insertion into a Loader (spec.md §3, §8
	// Invariant 2). Nonzero once Add has succeeded.
	added int

	// execAddr/execVirt are set by Add.
	execAddr uint64
	execVirt uint64

	// gnuHashHdr/symnum are derived by Add (§4.1 step 4/5).
	gnuHashHdr gnuHashHeader
	symnum     uint64
}

func zeroed() *Image { return &Image{} }

// Parse implements file_init: validates the ELF header, walks program
// headers (retaining up to MaxLoadSegments PT_LOAD entries, noting
// PT_DYNAMIC/PT_GNU_STACK/PT_GNU_RELRO), walks the dynamic section,
// and performs the .eh_frame/.ctors/.dtors section-name sweep.
//
// On any validation failure the returned Image is the zero value
// (spec.md §8 Invariant 1, §7 "file_init zeros the descriptor").
func Parse(buf []byte) (*Image, error) {
	if len(buf) < Ehdr64Size {
		return zeroed(), bferr.New(bferr.InvalidArgument, "buffer smaller than ELF header")
	}

	var hdr Ehdr64
	if buf[0] != magic0 || buf[1] != magic1 || buf[2] != magic2 || buf[3] != magic3 {
		return zeroed(), bferr.New(bferr.InvalidSignature, "bad ELF magic")
	}
	copy(hdr.Ident[:], buf[0:16])
	if hdr.Ident[4] != class64 {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "not 64-bit")
	}
	if hdr.Ident[5] != dataLSB {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "not little-endian")
	}
	if hdr.Ident[6] != evCurrent {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "bad EI_VERSION")
	}
	if hdr.Ident[7] != osabiSysV {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "not SysV OS-ABI")
	}

	hdr.Type = le16(buf, 16)
	hdr.Machine = le16(buf, 18)
	hdr.Version = le32(buf, 20)
	hdr.Entry = le64(buf, 24)
	hdr.Phoff = le64(buf, 32)
	hdr.Shoff = le64(buf, 40)
	hdr.Flags = le32(buf, 48)
	hdr.Ehsize = le16(buf, 52)
	hdr.Phentsize = le16(buf, 54)
	hdr.Phnum = le16(buf, 56)
	hdr.Shentsize = le16(buf, 58)
	hdr.Shnum = le16(buf, 60)
	hdr.Shstrndx = le16(buf, 62)

	if hdr.Version != evCurrent {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "bad e_version")
	}
	if Type(hdr.Type) != TypeExec && Type(hdr.Type) != TypeDyn {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "not executable or shared object")
	}
	if hdr.Machine != machineX8664 {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "not x86-64")
	}
	if hdr.Flags != 0 {
		return zeroed(), bferr.New(bferr.UnsupportedFile, "nonzero e_flags")
	}

	img := &Image{raw: buf, typ: Type(hdr.Type), entry: hdr.Entry}

	if err := img.walkProgramHeaders(hdr); err != nil {
		return zeroed(), err
	}
	if img.numLoads > 0 {
		img.startAddr = img.loads[0].VirtAddr
		img.pic = img.startAddr == 0
		last := img.loads[img.numLoads-1]
		img.totalMemsz = (last.VirtAddr + last.MemSize) - img.startAddr
	} else {
		img.pic = true
	}

	if img.hasDynamic {
		if err := img.walkDynamic(); err != nil {
			return zeroed(), err
		}
	}

	img.sweepSections(hdr)

	return img, nil
}

func (img *Image) walkProgramHeaders(hdr Ehdr64) error {
	base := int(hdr.Phoff)
	for i := 0; i < int(hdr.Phnum); i++ {
		off := base + i*Phdr64Size
		if off+Phdr64Size > len(img.raw) {
			break
		}
		var ph Phdr64
		ph.Type = le32(img.raw, off+0)
		ph.Flags = le32(img.raw, off+4)
		ph.Offset = le64(img.raw, off+8)
		ph.Vaddr = le64(img.raw, off+16)
		ph.Paddr = le64(img.raw, off+24)
		ph.Filesz = le64(img.raw, off+32)
		ph.Memsz = le64(img.raw, off+40)
		ph.Align = le64(img.raw, off+48)

		switch ProgramHeaderType(ph.Type) {
		case PTLoad:
			if img.numLoads >= MaxLoadSegments {
				// spec.md §8 Boundary: a 5th PT_LOAD is silently
				// dropped, documented behavior, not an error.
				img.droppedLoads++
				continue
			}
			var perm uint32
			if ph.Flags&PermRead != 0 {
				perm |= PermRead
			}
			if ph.Flags&PermWrite != 0 {
				perm |= PermWrite
			}
			if ph.Flags&PermExec != 0 {
				perm |= PermExec
			}
			img.loads[img.numLoads] = LoadInstruction{
				Perm:       perm,
				FileOffset: ph.Offset,
				FileSize:   ph.Filesz,
				MemOffset:  ph.Vaddr, // rebased against startAddr once known; see note below
				MemSize:    ph.Memsz,
				VirtAddr:   ph.Vaddr,
			}
			img.numLoads++
		case PTDynamic:
			img.hasDynamic = true
			img.dynOffset = ph.Offset
			img.dynSize = ph.Filesz
		case PTGNUStack:
			img.stackExec = ph.Flags&PermExec != 0
		case PTGNURelro:
			img.haveRelro = true
			img.relroAddr = ph.Vaddr
			img.relroSize = ph.Memsz
		}
	}

	// Rebase MemOffset to be relative to startAddr now that every
	// PT_LOAD has been seen.
	if img.numLoads > 0 {
		base := img.loads[0].VirtAddr
		for i := 0; i < img.numLoads; i++ {
			img.loads[i].MemOffset = img.loads[i].VirtAddr - base
		}
	}
	return nil
}

// vaddrToFileOff maps a virtual address into the file by locating the
// PT_LOAD segment whose [VirtAddr, VirtAddr+FileSize) range contains
// it. loads[i].VirtAddr is the raw p_vaddr (not yet
// rebased against startAddr), so compare directly against that.
func (img *Image) vaddrToFileOff(vaddr uint64) uint64 {
	for i := 0; i < img.numLoads; i++ {
		l := img.loads[i]
		if vaddr >= l.VirtAddr && vaddr < l.VirtAddr+l.FileSize {
			return l.FileOffset + (vaddr - l.VirtAddr)
		}
	}
	return vaddr
}

func (img *Image) walkDynamic() error {
	n := int(img.dynSize) / Dyn64Size
	for i := 0; i < n; i++ {
		off := int(img.dynOffset) + i*Dyn64Size
		if off+Dyn64Size > len(img.raw) {
			break
		}
		tag := DynTag(int64(le64(img.raw, off)))
		val := le64(img.raw, off+8)
		switch tag {
		case DTNull:
			i = n // stop
		case DTNeeded:
			if len(img.dyn.neededOffsets) < MaxNeeded {
				img.dyn.neededOffsets = append(img.dyn.neededOffsets, val)
			}
		case DTPLTRelSz:
			img.dyn.pltRelSz = val
		case DTHash:
			img.dyn.hash = val
			img.dyn.haveHash = true
		case DTGNUHash:
			img.dyn.gnuHash = val
			img.dyn.haveGNUHash = true
		case DTStrTab:
			img.dyn.strTab = val
			img.strTabFileOff = img.vaddrToFileOff(val)
		case DTSymTab:
			img.dyn.symTab = val
			img.symTabFileOff = img.vaddrToFileOff(val)
		case DTRela:
			img.dyn.rela = val
		case DTRelaSz:
			img.dyn.relaSz = val
		case DTRelaEnt:
			img.dyn.relaEnt = val
		case DTStrSz:
			img.dyn.strSz = val
		case DTInit:
			img.dyn.init = val
		case DTFini:
			img.dyn.fini = val
		case DTJmpRel:
			img.dyn.jmpRel = val
		case DTInitArray:
			img.dyn.initArray = val
		case DTFiniArray:
			img.dyn.finiArray = val
		case DTInitArraySz:
			img.dyn.initArraySz = val
		case DTFiniArraySz:
			img.dyn.finiArraySz = val
		case DTFlags1:
			img.dyn.flags1 = val
		}
	}

	// symnum heuristic (spec.md §4.1 step 5, Design Notes Open
	// Question): assumes the linker emits .dynstr immediately after
	// .dynsym. Not silently "fixed" — documented and tested.
	if img.dyn.strTab > img.dyn.symTab && img.dyn.symTab != 0 {
		img.symnum = (img.dyn.strTab - img.dyn.symTab) / Sym64Size
	}
	return nil
}

// sweepSections locates .eh_frame, .ctors, and .dtors by section name,
// independent of whatever the dynamic section says (spec.md §4.1:
// "binutils/gold/lld disagree on whether these appear in the dynamic
// section").
func (img *Image) sweepSections(hdr Ehdr64) {
	if hdr.Shoff == 0 || hdr.Shnum == 0 || hdr.Shstrndx >= hdr.Shnum {
		return
	}
	shbase := int(hdr.Shoff)
	readShdr := func(i int) (Shdr64, bool) {
		off := shbase + i*Shdr64Size
		if off+Shdr64Size > len(img.raw) {
			return Shdr64{}, false
		}
		var sh Shdr64
		sh.NameOff = le32(img.raw, off+0)
		sh.Type = le32(img.raw, off+4)
		sh.Flags = le64(img.raw, off+8)
		sh.Addr = le64(img.raw, off+16)
		sh.Offset = le64(img.raw, off+24)
		sh.Size = le64(img.raw, off+32)
		sh.Link = le32(img.raw, off+40)
		sh.Info = le32(img.raw, off+44)
		sh.AddrAlign = le64(img.raw, off+48)
		sh.EntSize = le64(img.raw, off+56)
		return sh, true
	}

	strtabHdr, ok := readShdr(int(hdr.Shstrndx))
	if !ok || strtabHdr.Type != SHTStrTab {
		return
	}
	nameAt := func(nameOff uint32) string {
		start := int(strtabHdr.Offset) + int(nameOff)
		if start >= len(img.raw) {
			return ""
		}
		end := start
		for end < len(img.raw) && img.raw[end] != 0 {
			end++
		}
		return string(img.raw[start:end])
	}

	for i := 0; i < int(hdr.Shnum); i++ {
		sh, ok := readShdr(i)
		if !ok {
			continue
		}
		switch nameAt(sh.NameOff) {
		case ".eh_frame":
			img.ehFrameAddr, img.ehFrameSize = sh.Addr, sh.Size
		case ".ctors":
			img.ctorsAddr, img.ctorsSize = sh.Addr, sh.Size
		case ".dtors":
			img.dtorsAddr, img.dtorsSize = sh.Addr, sh.Size
		}
	}

	// If present, .ctors/.dtors stand in for DT_INIT_ARRAY/DT_FINI_ARRAY
	// per spec.md §4.1.
	if img.ctorsAddr != 0 {
		img.dyn.initArray, img.dyn.initArraySz = img.ctorsAddr, img.ctorsSize
	}
	if img.dtorsAddr != 0 {
		img.dyn.finiArray, img.dyn.finiArraySz = img.dtorsAddr, img.dtorsSize
	}
}

// --- accessors used by Loader and by callers deriving a mapping plan ---

// NumLoadInstructions returns the number of retained PT_LOAD entries.
func (img *Image) NumLoadInstructions() int { return img.numLoads }

// LoadInstruction returns the i'th retained load instruction.
func (img *Image) LoadInstruction(i int) (LoadInstruction, error) {
	if i < 0 || i >= img.numLoads {
		return LoadInstruction{}, bferr.New(bferr.InvalidIndex, "load instruction index out of range")
	}
	return img.loads[i], nil
}

// IsPIC reports whether the image is position-independent (start_addr == 0).
func (img *Image) IsPIC() bool { return img.pic }

// Entry returns the file's recorded entry point (file-relative until Add).
func (img *Image) Entry() uint64 { return img.entry }

// TotalMemsz returns the total memory footprint spanned by the retained
// PT_LOAD segments.
func (img *Image) TotalMemsz() uint64 { return img.totalMemsz }

// StackExecutable reports the PT_GNU_STACK executable bit.
func (img *Image) StackExecutable() bool { return img.stackExec }

// RELRO returns the PT_GNU_RELRO vaddr/size, if present.
func (img *Image) RELRO() (addr, size uint64, ok bool) {
	return img.relroAddr, img.relroSize, img.haveRelro
}

// EHFrame returns the .eh_frame address/size located by the section sweep.
func (img *Image) EHFrame() (addr, size uint64) { return img.ehFrameAddr, img.ehFrameSize }

// InitFini returns the DT_INIT/DT_FINI function addresses.
func (img *Image) InitFini() (init, fini uint64) { return img.dyn.init, img.dyn.fini }

// InitArray returns the init_array address/size (possibly sourced from
// .ctors, see sweepSections).
func (img *Image) InitArray() (addr, size uint64) { return img.dyn.initArray, img.dyn.initArraySz }

// FiniArray returns the fini_array address/size (possibly sourced from
// .dtors).
func (img *Image) FiniArray() (addr, size uint64) { return img.dyn.finiArray, img.dyn.finiArraySz }

// NeededNames resolves each recorded DT_NEEDED offset through strtab.
// Valid after Add (strtab has been rebased to exec_addr-relative, but
// the string bytes themselves still live in img.raw at the *file*
// offset corresponding to the original DT_STRTAB value — see strAt).
func (img *Image) NeededNames() []string {
	out := make([]string, 0, len(img.dyn.neededOffsets))
	for _, off := range img.dyn.neededOffsets {
		out = append(out, img.strAt(off))
	}
	return out
}

// strAt reads a NUL-terminated string at strtab-relative offset off.
// strTabFileOff is the file offset of the string table, tracked
// separately from the (possibly rebased) dyn.strTab pointer so symbol
// names remain readable after Add.
func (img *Image) strAt(off uint64) string {
	start := int(img.strTabFileOff) + int(off)
	if start < 0 || start >= len(img.raw) {
		return ""
	}
	end := start
	for end < len(img.raw) && img.raw[end] != 0 {
		end++
	}
	return string(img.raw[start:end])
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func le64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
