// Package bfelf implements the ELF64 loader and runtime linker: it
// parses and validates ELF64 images, derives a load plan, and
// performs x86-64 relocation and symbol resolution across an ordered
// set of images sharing one symbol namespace.
//
// The data layout follows the System V ABI AMD64 psABI, with the
// deviations documented in spec.md §4.1 (bounded PT_LOAD/DT_NEEDED
// counts, a section-name sweep for .eh_frame/.ctors/.dtors because
// binutils/gold/lld disagree on whether these are reachable from the
// dynamic section).
package bfelf

// Maximum number of PT_LOAD segments retained per image. Images with
// more are silently truncated (spec.md §8 Boundary, Design Notes).
const MaxLoadSegments = 4

// Maximum number of DT_NEEDED entries retained per image.
const MaxNeeded = 25

const (
	magic0 = 0x7F
	magic1 = 'E'
	magic2 = 'L'
	magic3 = 'F'

	classNone = 0
	class32   = 1
	class64   = 2

	dataNone = 0
	dataLSB  = 1 // little-endian
	dataMSB  = 2

	osabiSysV = 0

	evCurrent = 1

	machineX8664 = 0x3E
)

// Type is the ELF e_type field.
type Type uint16

const (
	TypeNone Type = 0
	TypeRel  Type = 1
	TypeExec Type = 2
	TypeDyn  Type = 3 // shared object / PIE
	TypeCore Type = 4
)

// ProgramHeaderType is the p_type field of an Elf64_Phdr.
type ProgramHeaderType uint32

const (
	PTNull         ProgramHeaderType = 0
	PTLoad         ProgramHeaderType = 1
	PTDynamic      ProgramHeaderType = 2
	PTInterp       ProgramHeaderType = 3
	PTNote         ProgramHeaderType = 4
	PTShlib        ProgramHeaderType = 5
	PTPhdr         ProgramHeaderType = 6
	PTTLS          ProgramHeaderType = 7
	PTGNUEHFrame   ProgramHeaderType = 0x6474e550
	PTGNUStack     ProgramHeaderType = 0x6474e551
	PTGNURelro     ProgramHeaderType = 0x6474e552
)

// Segment permission flags (p_flags), matching the ELF PF_* bits.
const (
	PermExec  = 0x1
	PermWrite = 0x2
	PermRead  = 0x4
)

// DynTag is the d_tag field of an Elf64_Dyn entry.
type DynTag int64

const (
	DTNull      DynTag = 0
	DTNeeded    DynTag = 1
	DTPLTRelSz  DynTag = 2
	DTHash      DynTag = 4
	DTStrTab    DynTag = 5
	DTSymTab    DynTag = 6
	DTRela      DynTag = 7
	DTRelaSz    DynTag = 8
	DTRelaEnt   DynTag = 9
	DTStrSz     DynTag = 10
	DTSymEnt    DynTag = 11
	DTInit      DynTag = 12
	DTFini      DynTag = 13
	DTJmpRel    DynTag = 23
	DTInitArray DynTag = 25
	DTFiniArray DynTag = 26
	DTInitArraySz DynTag = 27
	DTFiniArraySz DynTag = 28
	DTFlags1    DynTag = 0x6ffffffb
	DTGNUHash   DynTag = 0x6ffffef5
)

// RelocType is the ELF64_R_TYPE portion of an Elf64_Rela r_info field.
type RelocType uint32

const (
	RX8664None     RelocType = 0
	RX8664_64      RelocType = 1
	RX8664PC32     RelocType = 2
	RX8664GOT32    RelocType = 3
	RX8664PLT32    RelocType = 4
	RX8664Copy     RelocType = 5
	RX8664GlobDat  RelocType = 6
	RX8664JumpSlot RelocType = 7
	RX8664Relative RelocType = 8
)

// SymBind is the high nibble of Sym.Info (st_bind).
type SymBind uint8

const (
	BindLocal  SymBind = 0
	BindGlobal SymBind = 1
	BindWeak   SymBind = 2
)

// Ehdr64 mirrors Elf64_Ehdr.
type Ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

const Ehdr64Size = 64

// Phdr64 mirrors Elf64_Phdr.
type Phdr64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const Phdr64Size = 56

// Shdr64 mirrors Elf64_Shdr.
type Shdr64 struct {
	NameOff   uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

const Shdr64Size = 64

const (
	SHTProgBits = 1
	SHTStrTab   = 3
)

// Sym64 mirrors Elf64_Sym.
type Sym64 struct {
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

const Sym64Size = 24

func (s Sym64) Bind() SymBind { return SymBind(s.Info >> 4) }

// Dyn64 mirrors Elf64_Dyn.
type Dyn64 struct {
	Tag DynTag
	Val uint64
}

const Dyn64Size = 16

// Rela64 mirrors Elf64_Rela.
type Rela64 struct {
	Offset uint64
	Info   uint64
	Addend int64
}

const Rela64Size = 24

// Sym returns the ELF64_R_SYM portion of r_info (an index into SymTab).
func (r Rela64) Sym() uint32 { return uint32(r.Info >> 32) }

// Type returns the ELF64_R_TYPE portion of r_info.
func (r Rela64) Type() RelocType { return RelocType(uint32(r.Info)) }
