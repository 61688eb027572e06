package bfelf

// elfHash computes the classic SysV 32-bit ELF symbol hash (spec.md
// §4.1 "Symbol lookup"):
//
//	h = (h<<4) + c; g = h & 0xF0000000; if (g) h ^= g>>24; h &= 0x0FFFFFFF
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xF0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= 0xF0000000
	}
	return h
}

// hashLookup resolves name to a Sym64 + its symbol-table index within
// img. It reproduces the documented Bareflank behavior of walking a
// GNU hash table's bucket/chain arrays using the classic SysV hash
// function rather than the GNU bloom-filter scheme (spec.md §4.1,
// §9 Design Notes: this is intentionally the original's behavior, not
// a "fixed" reimplementation) when a GNU hash table is present;
// otherwise it falls back to a linear scan of symtab[0..symnum).
func (img *Image) hashLookup(name string) (Sym64, uint32, bool) {
	if img.dyn.haveGNUHash && img.gnuHashHdr.nbucket > 0 {
		if sym, idx, ok := img.gnuStyleBucketChainLookup(name); ok {
			return sym, idx, true
		}
		return Sym64{}, 0, false
	}
	return img.linearLookup(name)
}

func (img *Image) gnuStyleBucketChainLookup(name string) (Sym64, uint32, bool) {
	h := elfHash(name)
	nbucket := img.gnuHashHdr.nbucket
	bucketBase := img.gnuHashBucketFileOff
	chainBase := bucketBase + uint64(nbucket)*4

	bi := h % nbucket
	idx := le32(img.raw, int(bucketBase+uint64(bi)*4))
	if idx == 0 {
		return Sym64{}, 0, false
	}
	for {
		sym, ok := img.symAt(idx)
		if !ok {
			return Sym64{}, 0, false
		}
		if img.symName(sym) == name {
			return sym, idx, true
		}
		next := le32(img.raw, int(chainBase+uint64(idx)*4))
		if next == idx || next == 0 {
			return Sym64{}, 0, false
		}
		idx = next
	}
}

func (img *Image) linearLookup(name string) (Sym64, uint32, bool) {
	for i := uint32(0); i < uint32(img.symnum); i++ {
		sym, ok := img.symAt(i)
		if !ok {
			continue
		}
		if img.symName(sym) == name {
			return sym, i, true
		}
	}
	return Sym64{}, 0, false
}

// symAt reads the i'th Sym64 from the (exec_addr-relative, post-Add)
// symbol table file location.
func (img *Image) symAt(i uint32) (Sym64, bool) {
	off := int(img.symTabFileOff) + int(i)*Sym64Size
	if off < 0 || off+Sym64Size > len(img.raw) {
		return Sym64{}, false
	}
	var s Sym64
	s.NameOff = le32(img.raw, off+0)
	s.Info = img.raw[off+4]
	s.Other = img.raw[off+5]
	s.Shndx = le16(img.raw, off+6)
	s.Value = le64(img.raw, off+8)
	s.Size = le64(img.raw, off+16)
	return s, true
}

func (img *Image) symName(s Sym64) string { return img.strAt(uint64(s.NameOff)) }
