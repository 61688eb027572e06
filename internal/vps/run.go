package vps

import (
	"unsafe"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
)

// ExitInfo summarizes a VM-exit for the syscall dispatcher / extension
// vmexit handler, translated out of the raw KVM_RUN exit reason.
type ExitInfo struct {
	Reason uint32
	IO     *IOExit
	MMIO   *MMIOExit
}

type IOExit struct {
	Direction, Size, Port, Count, DataOffset uint64
}

type MMIOExit struct {
	PhysAddr uint64
	Length   uint64
	IsWrite  bool
	Data     [8]byte
}

// Run executes one host<->guest transition. Intel path: VMLAUNCH on
// the first run after activation, VMRESUME afterwards; AMD has no
// launch/resume distinction. Both collapse to one KVM_RUN against the
// vCPU fd (SPEC_FULL.md §0). The launched field is set after the first
// successful KVM_RUN; nothing in this package branches on it.
//
// checkControls runs first; any failed check fails VM entry with a
// specific error kind and the guest is never entered (spec.md §4.3
// "never a silent entry").
func (v *VPS) Run(controls *Controls, cap *Capabilities) (*ExitInfo, error) {
	v.mu.Lock()
	if v.state != AllocatedActive {
		v.mu.Unlock()
		return nil, bferr.New(bferr.InvalidArgument, "vps: run requires an active VPS")
	}
	vcpuFD := v.vcpuFD
	v.mu.Unlock()

	if err := checkControls(controls, cap); err != nil {
		return nil, err
	}

	// Push the control block's configured guest state to the real vCPU
	// before entry: without this, KVM_RUN executes against whatever
	// state KVM_CREATE_VCPU left the vCPU in, not what write_reg/
	// state_save_to_vps configured (spec.md §4.3 "Run" entails the
	// control block's state, not an independent reset state).
	if err := v.syncToHardware(); err != nil {
		return nil, err
	}

	if err := intrinsics.Run(vcpuFD); err != nil {
		// A reported hardware VM-entry failure becomes a top-level error;
		// the exit-handler table is not invoked (spec.md §4.3 "Run").
		return nil, bferr.New(bferr.InvalidArgument, "vps: vm-entry failed: "+err.Error())
	}

	v.mu.Lock()
	v.launched = true
	v.mu.Unlock()

	// Pull the post-exit state back into the control block so
	// AdvanceIP/read_reg/vps_to_state_save observe where the guest
	// actually stopped.
	if err := v.syncFromHardware(); err != nil {
		return nil, err
	}

	return v.translateExit()
}

func (v *VPS) translateExit() (*ExitInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.runData) < 8 {
		return nil, bferr.New(bferr.InvalidArgument, "vps: kvm_run page not mapped")
	}
	rd := (*intrinsics.RunData)(unsafe.Pointer(&v.runData[0]))
	info := &ExitInfo{Reason: rd.ExitReason}

	switch rd.ExitReason {
	case intrinsics.ExitIO:
		dir, size, port, count, off := rd.IO()
		info.IO = &IOExit{Direction: dir, Size: size, Port: port, Count: count, DataOffset: off}
	case intrinsics.ExitMMIO:
		phys, length, isWrite, data := rd.MMIO()
		info.MMIO = &MMIOExit{PhysAddr: phys, Length: length, IsWrite: isWrite, Data: data}
	}
	return info, nil
}

// AdvanceIP moves RIP past the instruction that caused the current
// VM-exit: RIP += VM_EXIT_INSTRUCTION_LENGTH on Intel, or RIP = NRIP on
// AMD (spec.md §4.3 "Advance-IP"). instrLenOrNRIP carries whichever of
// the two the caller's exit-info already extracted.
func (v *VPS) AdvanceIP(instrLenOrNRIP uint64, isNRIP bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == Unallocated {
		return bferr.New(bferr.InvalidArgument, "vps: advance-ip on unallocated VPS")
	}

	if isNRIP {
		return v.writeFieldLocked(int(RegRip), instrLenOrNRIP)
	}
	cur, err := v.readFieldLocked(int(RegRip))
	if err != nil {
		return err
	}
	return v.writeFieldLocked(int(RegRip), cur+instrLenOrNRIP)
}
