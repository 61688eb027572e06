package bfelf

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// rebase converts a link-time (file-relative) virtual address into an
// exec_addr-relative one, using the same affine transform the
// relocation engine uses for R_X86_64_RELATIVE (spec.md §4.1 step 3,
// §8 Invariant 4): new = exec_addr + (old - start_addr).
func (img *Image) rebase(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return img.execAddr + (v - img.startAddr)
}

// Add implements loader_add (spec.md §4.1 "Add"): binds the image to
// a host load address (execAddr) and a guest-visible address
// (execVirt, used only for PIC images), rebases its dynamic tables,
// and parses its GNU hash header. An image may be added at most once.
func (img *Image) Add(execAddr, execVirt uint64) error {
	if img.added != 0 {
		return bferr.New(bferr.InvalidArgument, "image already added")
	}

	img.execAddr = execAddr
	if img.pic {
		img.execVirt = execVirt
	} else {
		img.execVirt = img.startAddr
	}

	img.dyn.hash = img.rebase(img.dyn.hash)
	img.dyn.gnuHash = img.rebase(img.dyn.gnuHash)
	img.dyn.strTab = img.rebase(img.dyn.strTab)
	img.dyn.symTab = img.rebase(img.dyn.symTab)
	img.dyn.rela = img.rebase(img.dyn.rela)
	img.dyn.jmpRel = img.rebase(img.dyn.jmpRel)
	img.dyn.init = img.rebase(img.dyn.init)
	img.dyn.fini = img.rebase(img.dyn.fini)
	img.dyn.initArray = img.rebase(img.dyn.initArray)
	img.dyn.finiArray = img.rebase(img.dyn.finiArray)

	if img.dyn.haveGNUHash {
		base := img.vaddrToFileOffFromOriginal(img.dyn.gnuHash, execAddr)
		if base+16 <= uint64(len(img.raw)) {
			img.gnuHashHdr.nbucket = le32(img.raw, int(base))
			img.gnuHashHdr.symoffset = le32(img.raw, int(base+4))
			img.gnuHashHdr.bloomSize = le32(img.raw, int(base+8))
			img.gnuHashHdr.bloomShift = le32(img.raw, int(base+12))
			img.gnuHashBucketFileOff = base + 16 + uint64(img.gnuHashHdr.bloomSize)*8
		}
	}

	img.added = 1
	return nil
}

// vaddrToFileOffFromOriginal inverts the post-rebase dyn.gnuHash (now
// exec_addr-relative) back to a file offset: the table's bytes never
// moved in img.raw, only our notion of its runtime address did.
func (img *Image) vaddrToFileOffFromOriginal(rebased, execAddr uint64) uint64 {
	originalVaddr := rebased - execAddr + img.startAddr
	return img.vaddrToFileOff(originalVaddr)
}

// Added reports whether Add has already succeeded for this image.
func (img *Image) Added() bool { return img.added != 0 }

// ExecAddr/ExecVirt return the addresses bound by Add.
func (img *Image) ExecAddr() uint64 { return img.execAddr }
func (img *Image) ExecVirt() uint64 { return img.execVirt }

// StartAddr returns the first PT_LOAD p_vaddr (zero for PIC images).
func (img *Image) StartAddr() uint64 { return img.startAddr }
