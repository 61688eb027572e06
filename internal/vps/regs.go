package vps

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// RegToken is the register-name token passed across the hypercall ABI
// (spec.md §4.3 "bf_reg_t"): a stable numeric identity for a register
// independent of its physical storage location in the control block.
type RegToken int

const (
	RegRax RegToken = iota
	RegRbx
	RegRcx
	RegRdx
	RegRbp
	RegRsi
	RegRdi
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegRip
	RegRsp
	RegRflags

	RegEsSelector
	RegEsBase
	RegEsLimit
	RegEsAttrib
	RegCsSelector
	RegCsBase
	RegCsLimit
	RegCsAttrib
	RegSsSelector
	RegSsBase
	RegSsLimit
	RegSsAttrib
	RegDsSelector
	RegDsBase
	RegDsLimit
	RegDsAttrib
	RegFsSelector
	RegFsBase
	RegFsLimit
	RegFsAttrib
	RegGsSelector
	RegGsBase
	RegGsLimit
	RegGsAttrib
	RegLdtrSelector
	RegLdtrBase
	RegLdtrLimit
	RegLdtrAttrib
	RegTrSelector
	RegTrBase
	RegTrLimit
	RegTrAttrib

	RegGdtrBase
	RegGdtrLimit
	RegIdtrBase
	RegIdtrLimit

	RegCr0
	RegCr2
	RegCr3
	RegCr4
	RegDr6
	RegDr7

	RegIa32Efer
	RegIa32Star
	RegIa32Lstar
	RegIa32Cstar
	RegIa32FmaskGeneric // IA32_FMASK
	RegFsBaseMsr
	RegGsBaseMsr
	RegKernelGsBase
	RegIa32SysenterCs
	RegIa32SysenterEsp
	RegIa32SysenterEip
	RegIa32Pat
	RegIa32DebugCtl

	numRegs
)

// StateSave is the generic, vendor-neutral register-state structure
// (spec.md §4.3) a VPS translates to and from its vendor-specific
// control block. Segment Attrib fields are always stored in the
// uncompressed (0xF0FF-shaped) form here; only the AMD VMCB storage
// compresses them (state_save_to_vps/vps_to_state_save).
type StateSave struct {
	vals [numRegs]uint64
}

// Get/Set give tests and the translation layer direct field access
// without going through the raw control-block passthrough.
func (s *StateSave) Get(r RegToken) uint64  { return s.vals[r] }
func (s *StateSave) Set(r RegToken, v uint64) { s.vals[r] = v }

// ReadReg / WriteReg are raw passthrough on the control block
// (guestBlock) — the same storage state_save_to_vps/vps_to_state_save
// operate on (spec.md §4.3: "reading or writing a register token always
// round-trips exactly, independent of vendor"), so register-token
// access and state-save access observe the same state instead of two
// disconnected copies. No compression is applied here — that only
// happens in state_save_to_vps and vps_to_state_save, at the
// generic<->vendor translation boundary. An unallocated VPS has no
// control block to read or write into.
func (v *VPS) ReadReg(r RegToken) (uint64, error) {
	if r < 0 || r >= numRegs {
		return 0, bferr.New(bferr.InvalidIndex, "vps: unknown register token")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.guestBlock == nil {
		return 0, bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}
	return v.readFieldLocked(int(r))
}

func (v *VPS) WriteReg(r RegToken, val uint64) error {
	if r < 0 || r >= numRegs {
		return bferr.New(bferr.InvalidIndex, "vps: unknown register token")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.guestBlock == nil {
		return bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}
	return v.writeFieldLocked(int(r), val)
}

// compressAttrib converts a segment-attribute value from the
// "spread" 0xF0FF VMX/generic form into the AMD VMCB's packed 0x0FFF
// form: bits 0-7 stay put, bits 12-15 shift down to 8-11.
//
// Grounded on the original Bareflank AMD vps_t.hpp compress_attrib:
// only the middle nibble (bits 8-11) is lost by the packed form, so
// compress rejects any input with that nibble set rather than silently
// dropping it (the redesign directive), instead of compressing every
// value unconditionally.
func compressAttrib(a uint64) (uint64, error) {
	if a&0x0F00 != 0 {
		return 0, bferr.New(bferr.InvalidArgument, "vps: segment attribute has unrepresentable middle nibble")
	}
	return (a & 0x00FF) | ((a & 0xF000) >> 4), nil
}

// decompressAttrib is compressAttrib's inverse: expands the AMD VMCB's
// packed 0x0FFF form back to the generic 0xF0FF form. Since compress
// only ever produces values with a zero middle nibble, this round-trips
// exactly for every value compress actually returns (Invariant 5).
func decompressAttrib(c uint64) uint64 {
	return (c & 0x00FF) | ((c & 0x0F00) << 4)
}
