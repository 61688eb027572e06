package vps

import (
	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
)

// attribTokens lists the segment-attribute tokens subject to AMD's
// compressed 12-bit VMCB storage; every other token round-trips the
// control block untouched.
var attribTokens = map[RegToken]bool{
	RegEsAttrib: true, RegCsAttrib: true, RegSsAttrib: true, RegDsAttrib: true,
	RegFsAttrib: true, RegGsAttrib: true, RegLdtrAttrib: true, RegTrAttrib: true,
}

// StateSaveToVPS copies a generic register-state structure into this
// VPS's vendor-specific control block (spec.md §4.3 "state transfer").
// On AMD, segment attributes are compressed to the VMCB's packed
// 12-bit form at this boundary; on Intel they are stored as-is.
func (v *VPS) StateSaveToVPS(s *StateSave) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.guestBlock == nil {
		return bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}

	for r := RegToken(0); r < numRegs; r++ {
		val := s.Get(r)
		if v.vendor == intrinsics.VendorAMD && attribTokens[r] {
			c, err := compressAttrib(val)
			if err != nil {
				return err
			}
			val = c
		}
		if err := v.writeFieldLocked(int(r), val); err != nil {
			return err
		}
	}
	return nil
}

// VPSToStateSave is StateSaveToVPS's inverse, decompressing AMD
// segment attributes back to the generic 0xF0FF-shaped form. Combined
// with StateSaveToVPS, StateSaveToVPS(s); VPSToStateSave(&s2) yields
// s == s2 for every register (Invariant 7), since compress/decompress
// are exact inverses over the values compress accepts.
func (v *VPS) VPSToStateSave() (*StateSave, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.guestBlock == nil {
		return nil, bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}

	out := &StateSave{}
	for r := RegToken(0); r < numRegs; r++ {
		val, err := v.readFieldLocked(int(r))
		if err != nil {
			return nil, err
		}
		if v.vendor == intrinsics.VendorAMD && attribTokens[r] {
			val = decompressAttrib(val)
		}
		out.Set(r, val)
	}
	return out, nil
}

// writeFieldLocked/readFieldLocked are ReadField64/WriteField64's
// no-lock twins, used internally by StateSaveToVPS/VPSToStateSave which
// already hold v.mu for the whole translation pass (so a concurrent
// reader never observes a partially-translated control block).
func (v *VPS) writeFieldLocked(index int, val uint64) error {
	if index < 0 || index >= v.fieldCount() {
		return bferr.New(bferr.InvalidIndex, "vps: field index out of range")
	}
	off := index * fieldStride
	for i := 0; i < 8; i++ {
		v.guestBlock[off+i] = byte(val >> (8 * i))
	}
	return nil
}

func (v *VPS) readFieldLocked(index int) (uint64, error) {
	if index < 0 || index >= v.fieldCount() {
		return 0, bferr.New(bferr.InvalidIndex, "vps: field index out of range")
	}
	off := index * fieldStride
	var val uint64
	for i := 0; i < 8; i++ {
		val |= uint64(v.guestBlock[off+i]) << (8 * i)
	}
	return val, nil
}
