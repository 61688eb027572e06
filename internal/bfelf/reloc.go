package bfelf

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// relaFileOffsets returns the file offsets of the start of RELA.DYN and
// RELA.PLT (if present), derived the same way strTabFileOff/symTabFileOff
// are: by inverting the Add-time rebase back to a file location.
func (img *Image) relaFileOffsets() (dynOff uint64, dynCount int, pltOff uint64, pltCount int) {
	if img.dyn.rela != 0 && img.dyn.relaEnt != 0 {
		dynOff = img.vaddrToFileOffFromOriginal(img.dyn.rela, img.execAddr)
		dynCount = int(img.dyn.relaSz / img.dyn.relaEnt)
	}
	if img.dyn.jmpRel != 0 {
		pltOff = img.vaddrToFileOffFromOriginal(img.dyn.jmpRel, img.execAddr)
		// PLT relocations are always Elf64_Rela-sized when JMPREL is used
		// alongside RELA (as opposed to REL) tables, which is all this
		// loader supports (spec.md only lists RELA-based relocation types).
		pltCount = int(img.dyn.pltRelSz / Rela64Size)
	}
	return
}

func (img *Image) relaAt(fileOff uint64, idx int) Rela64 {
	off := int(fileOff) + idx*Rela64Size
	var r Rela64
	r.Offset = le64(img.raw, off+0)
	r.Info = le64(img.raw, off+8)
	r.Addend = int64(le64(img.raw, off+16))
	return r
}

// memOffset converts a link-time virtual address into the offset of
// the corresponding byte within the image's destination memory buffer
// (whose byte 0 corresponds to host address exec_addr).
func (img *Image) memOffset(vaddr uint64) uint64 { return vaddr - img.startAddr }

// applyRelocation resolves and applies a single Rela64 entry against
// mem (the image's destination buffer). resolve is supplied by the
// owning Loader and implements the skip-self global scan.
func (img *Image) applyRelocation(mem []byte, r Rela64, resolve func(name string) (uint64, bool)) error {
	target := img.memOffset(r.Offset)
	if target+8 > uint64(len(mem)) {
		return bferr.New(bferr.InvalidArgument, "relocation target out of bounds")
	}

	switch r.Type() {
	case RX8664Relative:
		val := uint64(int64(img.execVirt) + r.Addend)
		putLE64(mem, target, val)
		return nil

	case RX8664_64, RX8664GlobDat, RX8664JumpSlot:
		sym, ok := img.symAt(r.Sym())
		if !ok {
			return bferr.New(bferr.NoSuchSymbol, "relocation symbol index out of range")
		}
		name := img.symName(sym)

		var value uint64
		resolved := false
		if sym.Bind() != BindWeak && sym.Value != 0 {
			value = img.rebase(sym.Value)
			resolved = true
		} else if v, ok := resolve(name); ok {
			value = v
			resolved = true
		}
		if !resolved {
			return bferr.New(bferr.NoSuchSymbol, "no definition for symbol "+name)
		}

		if r.Type() == RX8664_64 {
			value = uint64(int64(value) + r.Addend)
		}
		putLE64(mem, target, value)
		return nil

	default:
		return bferr.New(bferr.UnsupportedRelocation, "unsupported relocation type")
	}
}

func putLE64(b []byte, off, v uint64) {
	b[off+0] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
	b[off+4] = byte(v >> 32)
	b[off+5] = byte(v >> 40)
	b[off+6] = byte(v >> 48)
	b[off+7] = byte(v >> 56)
}
