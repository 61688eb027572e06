// Package tls implements the per-physical-processor TLS block spec.md
// §3 describes: a fixed-layout structure holding the GPR shadow used
// across VM-exit/entry, the current VM/VP/VPS triplet, the active
// syscall frame, and the exception-stack pointer.
//
// The real implementation reaches this block from guest-mode via a
// reserved segment base (FS/GS) set up at PP bring-up — "the
// segment-register shortcut reserved for the tight VM-exit entry stub
// written in assembly" (spec.md Design Notes). Go code has no such
// stub, so per SPEC_FULL.md §8 this package threads an explicit
// *Block through every call chain instead, indexed by PP id.
package tls

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// numGPRs is the count of general-purpose integer registers shadowed
// across a VM-exit (TLS_OFFSET_R{AX..R15}, spec.md §3).
const numGPRs = 16

// GPR indexes the GPR shadow array.
type GPR int

const (
	RAX GPR = iota
	RBX
	RCX
	RDX
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// SyscallFrame is the active hypercall's return context: where the
// extension's hypercall instruction returns to, and its raw argument
// registers (spec.md §4.4 "Registers 1-5: arguments").
type SyscallFrame struct {
	ReturnRIP uintptr
	Args      [5]uint64
}

// Block is the fixed-layout per-PP TLS block.
type Block struct {
	PPID uint16

	gprs [numGPRs]uint64

	CurrentVMID  uint16
	CurrentVPID  uint16
	CurrentVPSID uint16

	Syscall SyscallFrame

	ExceptionStack uintptr
}

// New constructs a zeroed TLS block for the given PP, with the
// VM/VP/VPS triplet defaulted to the root instances (id 0), matching
// the state every PP starts in before any extension creates its own
// objects.
func New(ppID uint16) *Block {
	return &Block{PPID: ppID}
}

// GPR / SetGPR read and write the general-purpose register shadow.
func (b *Block) GPR(r GPR) uint64 {
	return b.gprs[r]
}

func (b *Block) SetGPR(r GPR, val uint64) {
	b.gprs[r] = val
}

// Table is the package-level registry of per-PP blocks, indexed by PP
// id, that every VM-exit handler and hypercall dispatch call consults
// in place of the real segment-register shortcut.
type Table struct {
	blocks []*Block
}

// NewTable allocates one Block per PP, 0..numPPs-1.
func NewTable(numPPs int) *Table {
	t := &Table{blocks: make([]*Block, numPPs)}
	for i := range t.blocks {
		t.blocks[i] = New(uint16(i))
	}
	return t
}

// Get returns the Block for the given PP id.
func (t *Table) Get(ppID uint16) (*Block, error) {
	if int(ppID) >= len(t.blocks) {
		return nil, bferr.New(bferr.InvalidIndex, "tls: no such PP")
	}
	return t.blocks[ppID], nil
}

// NumPPs reports the table's PP count.
func (t *Table) NumPPs() int { return len(t.blocks) }
