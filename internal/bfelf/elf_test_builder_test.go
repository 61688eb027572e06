package bfelf

import "encoding/binary"

// Minimal ELF64 builder used only by this package's tests: constructs
// a single PT_LOAD + PT_DYNAMIC PIE image with a symbol table, string
// table, and RELA.DYN table, byte-exact enough to exercise Parse/Add/
// Relocate against the invariants in spec.md §8.

type testSym struct {
	name  string
	value uint64
	bind  SymBind
}

type testRela struct {
	offset uint64
	rtype  RelocType
	sym    uint32
	addend int64
}

type builtELF struct {
	raw        []byte
	nameOffset map[string]uint64
}

func buildTestELF(machine uint16, etype uint16, syms []testSym, relas []testRela, padTo int) builtELF {
	const ehdrSize = 64
	const phdrSize = 56
	const numPhdr = 2
	headerSize := uint64(ehdrSize + phdrSize*numPhdr)

	dynOff := headerSize
	const dynEntrySize = 16
	numDynEntries := uint64(6) // STRTAB, SYMTAB, RELA, RELASZ, RELAENT, NULL
	dynSize := numDynEntries * dynEntrySize

	symtabOff := dynOff + dynSize
	symtabSize := uint64(len(syms)) * Sym64Size

	strtabOff := symtabOff + symtabSize
	strBuf := []byte{0}
	nameOffset := map[string]uint64{}
	for _, s := range syms {
		nameOffset[s.name] = uint64(len(strBuf))
		strBuf = append(strBuf, []byte(s.name)...)
		strBuf = append(strBuf, 0)
	}
	strtabSize := uint64(len(strBuf))

	relaOff := strtabOff + strtabSize
	// 8-byte align
	if relaOff%8 != 0 {
		relaOff += 8 - (relaOff % 8)
	}
	relaSize := uint64(len(relas)) * Rela64Size

	total := relaOff + relaSize
	if uint64(padTo) > total {
		total = uint64(padTo)
	}

	buf := make([]byte, total)

	// Ehdr
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // class64
	buf[5] = 1 // LSB
	buf[6] = 1 // EV_CURRENT
	buf[7] = 0 // SysV
	binary.LittleEndian.PutUint16(buf[16:], etype)
	binary.LittleEndian.PutUint16(buf[18:], machine)
	binary.LittleEndian.PutUint32(buf[20:], 1) // e_version
	binary.LittleEndian.PutUint64(buf[24:], 0) // e_entry
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint64(buf[40:], 0) // e_shoff
	binary.LittleEndian.PutUint32(buf[48:], 0) // e_flags
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], numPhdr)
	binary.LittleEndian.PutUint16(buf[58:], 64)
	binary.LittleEndian.PutUint16(buf[60:], 0)
	binary.LittleEndian.PutUint16(buf[62:], 0)

	// Phdr[0]: PT_LOAD covering the whole file at vaddr 0 (PIC)
	ph0 := ehdrSize
	binary.LittleEndian.PutUint32(buf[ph0+0:], uint32(PTLoad))
	binary.LittleEndian.PutUint32(buf[ph0+4:], PermRead|PermWrite|PermExec)
	binary.LittleEndian.PutUint64(buf[ph0+8:], 0)     // offset
	binary.LittleEndian.PutUint64(buf[ph0+16:], 0)    // vaddr
	binary.LittleEndian.PutUint64(buf[ph0+24:], 0)    // paddr
	binary.LittleEndian.PutUint64(buf[ph0+32:], total) // filesz
	binary.LittleEndian.PutUint64(buf[ph0+40:], total) // memsz
	binary.LittleEndian.PutUint64(buf[ph0+48:], 0x1000)

	// Phdr[1]: PT_DYNAMIC
	ph1 := ehdrSize + phdrSize
	binary.LittleEndian.PutUint32(buf[ph1+0:], uint32(PTDynamic))
	binary.LittleEndian.PutUint32(buf[ph1+4:], PermRead|PermWrite)
	binary.LittleEndian.PutUint64(buf[ph1+8:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+16:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+24:], dynOff)
	binary.LittleEndian.PutUint64(buf[ph1+32:], dynSize)
	binary.LittleEndian.PutUint64(buf[ph1+40:], dynSize)
	binary.LittleEndian.PutUint64(buf[ph1+48:], 8)

	// Dynamic entries
	putDyn := func(i int, tag DynTag, val uint64) {
		o := int(dynOff) + i*dynEntrySize
		binary.LittleEndian.PutUint64(buf[o:], uint64(tag))
		binary.LittleEndian.PutUint64(buf[o+8:], val)
	}
	putDyn(0, DTStrTab, strtabOff)
	putDyn(1, DTSymTab, symtabOff)
	putDyn(2, DTRela, relaOff)
	putDyn(3, DTRelaSz, relaSize)
	putDyn(4, DTRelaEnt, Rela64Size)
	putDyn(5, DTNull, 0)

	// Symtab
	for i, s := range syms {
		o := int(symtabOff) + i*Sym64Size
		binary.LittleEndian.PutUint32(buf[o:], uint32(nameOffset[s.name]))
		buf[o+4] = byte(s.bind) << 4
		buf[o+5] = 0
		binary.LittleEndian.PutUint16(buf[o+6:], 0)
		binary.LittleEndian.PutUint64(buf[o+8:], s.value)
		binary.LittleEndian.PutUint64(buf[o+16:], 0)
	}

	// Strtab
	copy(buf[strtabOff:], strBuf)

	// Rela.dyn
	for i, r := range relas {
		o := int(relaOff) + i*Rela64Size
		binary.LittleEndian.PutUint64(buf[o:], r.offset)
		info := (uint64(r.sym) << 32) | uint64(r.rtype)
		binary.LittleEndian.PutUint64(buf[o+8:], info)
		binary.LittleEndian.PutUint64(buf[o+16:], uint64(r.addend))
	}

	return builtELF{raw: buf, nameOffset: nameOffset}
}
