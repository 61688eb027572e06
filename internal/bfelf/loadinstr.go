package bfelf

// LoadInstruction describes one retained PT_LOAD segment in terms a
// loader-driver-side mapper can execute directly: copy FileSize bytes
// from FileOffset, zero-fill the remaining MemSize-FileSize bytes
// (BSS), and map the result at ExecAddr+MemOffset with Perm.
type LoadInstruction struct {
	Perm       uint32 // PermRead|PermWrite|PermExec
	FileOffset uint64
	FileSize   uint64
	MemOffset  uint64
	MemSize    uint64
	VirtAddr   uint64 // original p_vaddr, for diagnostics
}
