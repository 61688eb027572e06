package vps

import "github.com/Bareflank/hypervisor-sub014/internal/intrinsics"

// syncToHardware pushes this VPS's control-block register state into
// the real /dev/kvm vCPU via KVM_SET_REGS/KVM_SET_SREGS, so a
// configured guest state set up through write_reg/state_save_to_vps
// before Run actually reaches the hardware vCPU instead of whatever
// state KVM_CREATE_VCPU left it in.
func (v *VPS) syncToHardware() error {
	v.mu.Lock()
	regs, err := v.regsFromFieldsLocked()
	if err != nil {
		v.mu.Unlock()
		return err
	}
	sregs, err := v.sregsFromFieldsLocked()
	if err != nil {
		v.mu.Unlock()
		return err
	}
	vcpuFD := v.vcpuFD
	v.mu.Unlock()

	if err := intrinsics.SetRegs(vcpuFD, &regs); err != nil {
		return err
	}
	return intrinsics.SetSregs(vcpuFD, &sregs)
}

// syncFromHardware pulls the post-exit register state out of the real
// vCPU back into the control block, so AdvanceIP/read_reg/
// vps_to_state_save observe where the guest actually stopped rather
// than stale pre-entry values.
func (v *VPS) syncFromHardware() error {
	v.mu.Lock()
	vcpuFD := v.vcpuFD
	v.mu.Unlock()

	regs, err := intrinsics.GetRegs(vcpuFD)
	if err != nil {
		return err
	}
	sregs, err := intrinsics.GetSregs(vcpuFD)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.applyRegsLocked(regs); err != nil {
		return err
	}
	return v.applySregsLocked(sregs)
}

func (v *VPS) regsFromFieldsLocked() (intrinsics.Regs, error) {
	var r intrinsics.Regs
	fields := []struct {
		tok RegToken
		dst *uint64
	}{
		{RegRax, &r.RAX}, {RegRbx, &r.RBX}, {RegRcx, &r.RCX}, {RegRdx, &r.RDX},
		{RegRsi, &r.RSI}, {RegRdi, &r.RDI}, {RegRsp, &r.RSP}, {RegRbp, &r.RBP},
		{RegR8, &r.R8}, {RegR9, &r.R9}, {RegR10, &r.R10}, {RegR11, &r.R11},
		{RegR12, &r.R12}, {RegR13, &r.R13}, {RegR14, &r.R14}, {RegR15, &r.R15},
		{RegRip, &r.RIP}, {RegRflags, &r.RFLAGS},
	}
	for _, f := range fields {
		val, err := v.readFieldLocked(int(f.tok))
		if err != nil {
			return r, err
		}
		*f.dst = val
	}
	return r, nil
}

func (v *VPS) applyRegsLocked(r intrinsics.Regs) error {
	fields := []struct {
		tok RegToken
		val uint64
	}{
		{RegRax, r.RAX}, {RegRbx, r.RBX}, {RegRcx, r.RCX}, {RegRdx, r.RDX},
		{RegRsi, r.RSI}, {RegRdi, r.RDI}, {RegRsp, r.RSP}, {RegRbp, r.RBP},
		{RegR8, r.R8}, {RegR9, r.R9}, {RegR10, r.R10}, {RegR11, r.R11},
		{RegR12, r.R12}, {RegR13, r.R13}, {RegR14, r.R14}, {RegR15, r.R15},
		{RegRip, r.RIP}, {RegRflags, r.RFLAGS},
	}
	for _, f := range fields {
		if err := v.writeFieldLocked(int(f.tok), f.val); err != nil {
			return err
		}
	}
	return nil
}

func (v *VPS) sregsFromFieldsLocked() (intrinsics.Sregs, error) {
	var s intrinsics.Sregs
	var err error

	segs := []struct {
		sel, base, limit, attrib RegToken
		dst                      *intrinsics.Segment
	}{
		{RegEsSelector, RegEsBase, RegEsLimit, RegEsAttrib, &s.ES},
		{RegCsSelector, RegCsBase, RegCsLimit, RegCsAttrib, &s.CS},
		{RegSsSelector, RegSsBase, RegSsLimit, RegSsAttrib, &s.SS},
		{RegDsSelector, RegDsBase, RegDsLimit, RegDsAttrib, &s.DS},
		{RegFsSelector, RegFsBase, RegFsLimit, RegFsAttrib, &s.FS},
		{RegGsSelector, RegGsBase, RegGsLimit, RegGsAttrib, &s.GS},
		{RegLdtrSelector, RegLdtrBase, RegLdtrLimit, RegLdtrAttrib, &s.LDT},
		{RegTrSelector, RegTrBase, RegTrLimit, RegTrAttrib, &s.TR},
	}
	for _, sg := range segs {
		*sg.dst, err = v.readSegmentLocked(sg.sel, sg.base, sg.limit, sg.attrib)
		if err != nil {
			return s, err
		}
	}

	if s.GDT.Base, err = v.readFieldLocked(int(RegGdtrBase)); err != nil {
		return s, err
	}
	limit, err := v.readFieldLocked(int(RegGdtrLimit))
	if err != nil {
		return s, err
	}
	s.GDT.Limit = uint16(limit)

	if s.IDT.Base, err = v.readFieldLocked(int(RegIdtrBase)); err != nil {
		return s, err
	}
	if limit, err = v.readFieldLocked(int(RegIdtrLimit)); err != nil {
		return s, err
	}
	s.IDT.Limit = uint16(limit)

	if s.CR0, err = v.readFieldLocked(int(RegCr0)); err != nil {
		return s, err
	}
	if s.CR2, err = v.readFieldLocked(int(RegCr2)); err != nil {
		return s, err
	}
	if s.CR3, err = v.readFieldLocked(int(RegCr3)); err != nil {
		return s, err
	}
	if s.CR4, err = v.readFieldLocked(int(RegCr4)); err != nil {
		return s, err
	}
	if s.EFER, err = v.readFieldLocked(int(RegIa32Efer)); err != nil {
		return s, err
	}
	return s, nil
}

func (v *VPS) applySregsLocked(s intrinsics.Sregs) error {
	segs := []struct {
		sel, base, limit, attrib RegToken
		src                      intrinsics.Segment
	}{
		{RegEsSelector, RegEsBase, RegEsLimit, RegEsAttrib, s.ES},
		{RegCsSelector, RegCsBase, RegCsLimit, RegCsAttrib, s.CS},
		{RegSsSelector, RegSsBase, RegSsLimit, RegSsAttrib, s.SS},
		{RegDsSelector, RegDsBase, RegDsLimit, RegDsAttrib, s.DS},
		{RegFsSelector, RegFsBase, RegFsLimit, RegFsAttrib, s.FS},
		{RegGsSelector, RegGsBase, RegGsLimit, RegGsAttrib, s.GS},
		{RegLdtrSelector, RegLdtrBase, RegLdtrLimit, RegLdtrAttrib, s.LDT},
		{RegTrSelector, RegTrBase, RegTrLimit, RegTrAttrib, s.TR},
	}
	for _, sg := range segs {
		if err := v.writeSegmentLocked(sg.sel, sg.base, sg.limit, sg.attrib, sg.src); err != nil {
			return err
		}
	}

	if err := v.writeFieldLocked(int(RegGdtrBase), s.GDT.Base); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegGdtrLimit), uint64(s.GDT.Limit)); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegIdtrBase), s.IDT.Base); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegIdtrLimit), uint64(s.IDT.Limit)); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegCr0), s.CR0); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegCr2), s.CR2); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegCr3), s.CR3); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(RegCr4), s.CR4); err != nil {
		return err
	}
	return v.writeFieldLocked(int(RegIa32Efer), s.EFER)
}

func (v *VPS) readSegmentLocked(sel, base, limit, attrib RegToken) (intrinsics.Segment, error) {
	selVal, err := v.readFieldLocked(int(sel))
	if err != nil {
		return intrinsics.Segment{}, err
	}
	baseVal, err := v.readFieldLocked(int(base))
	if err != nil {
		return intrinsics.Segment{}, err
	}
	limitVal, err := v.readFieldLocked(int(limit))
	if err != nil {
		return intrinsics.Segment{}, err
	}
	attribVal, err := v.readFieldLocked(int(attrib))
	if err != nil {
		return intrinsics.Segment{}, err
	}
	return segmentFromAttrib(selVal, baseVal, limitVal, attribVal), nil
}

func (v *VPS) writeSegmentLocked(sel, base, limit, attrib RegToken, s intrinsics.Segment) error {
	if err := v.writeFieldLocked(int(sel), uint64(s.Selector)); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(base), s.Base); err != nil {
		return err
	}
	if err := v.writeFieldLocked(int(limit), uint64(s.Limit)); err != nil {
		return err
	}
	return v.writeFieldLocked(int(attrib), attribFromSegment(s))
}

// segmentFromAttrib/attribFromSegment translate between this package's
// generic 0xF0FF-shaped segment-attribute encoding (the same spread
// form compressAttrib's AMD packing starts from) and KVM's per-field
// kvm_segment representation: bits 0-3 type, 4 S, 5-6 DPL, 7 present,
// 12 AVL, 13 L, 14 DB, 15 G, 16 unusable (SDM Table 24-2's VMX
// access-rights layout; bits 8-11 are reserved in both forms).
func segmentFromAttrib(sel, base, limit, attrib uint64) intrinsics.Segment {
	return intrinsics.Segment{
		Base:     base,
		Limit:    uint32(limit),
		Selector: uint16(sel),
		Typ:      uint8(attrib & 0xF),
		S:        uint8((attrib >> 4) & 0x1),
		DPL:      uint8((attrib >> 5) & 0x3),
		Present:  uint8((attrib >> 7) & 0x1),
		AVL:      uint8((attrib >> 12) & 0x1),
		L:        uint8((attrib >> 13) & 0x1),
		DB:       uint8((attrib >> 14) & 0x1),
		G:        uint8((attrib >> 15) & 0x1),
		Unusable: uint8((attrib >> 16) & 0x1),
	}
}

func attribFromSegment(s intrinsics.Segment) uint64 {
	var a uint64
	a |= uint64(s.Typ & 0xF)
	a |= uint64(s.S&1) << 4
	a |= uint64(s.DPL&0x3) << 5
	a |= uint64(s.Present&1) << 7
	a |= uint64(s.AVL&1) << 12
	a |= uint64(s.L&1) << 13
	a |= uint64(s.DB&1) << 14
	a |= uint64(s.G&1) << 15
	a |= uint64(s.Unusable&1) << 16
	return a
}
