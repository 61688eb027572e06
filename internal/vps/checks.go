package vps

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// EPT memory types, APM/SDM encoding (a subset: only the ones the
// controls-consistency check needs to distinguish).
const (
	EPTMemTypeUC = 0
	EPTMemTypeWT = 2
	EPTMemTypeWB = 6
)

// Capabilities mirrors the subset of IA32_VMX_*_CTLS / IA32_VMX_EPT_VPID_CAP
// MSR content the consistency check needs: which control bits the CPU
// allows to be 0 or 1, and which EPT memory types it supports.
type Capabilities struct {
	PinBasedAllowed0, PinBasedAllowed1 uint32
	ProcBasedAllowed0, ProcBasedAllowed1 uint32
	ProcBased2Allowed0, ProcBased2Allowed1 uint32
	ExitAllowed0, ExitAllowed1 uint32
	EntryAllowed0, EntryAllowed1 uint32

	EPTSupportsUC bool
	EPTSupportsWB bool

	HostPhysAddrWidth uint32 // in bits, for MSR-store/load range checks
}

// Controls is the Intel VM-entry control surface this package
// validates before allowing Run (spec.md §4.3 "VMCS/VMCB consistency
// checks"). AMD's APM §15 equivalents are folded into the same struct
// since the field meanings line up one-to-one for the checks spec.md
// actually enumerates.
type Controls struct {
	PinBased, ProcBased, ProcBased2, ExitCtls, EntryCtls uint32

	ActivateSecondaryControls bool
	UseTPRShadow              bool
	VirtualInterruptDelivery  bool
	VirtualizeX2ApicMode      bool
	APICRegisterVirtualization bool

	PostedInterrupts         bool
	ExternalInterruptExiting bool
	AckInterruptOnExit       bool
	NotificationVector       uint16 // must be < 256
	PostedIntrDescAddr       uint64 // must be 4 KiB aligned

	EPTEnabled           bool
	EPTMemoryType        uint32
	EPTPageWalkLengthM1   uint32 // page_walk_length_minus_one; valid 0..3

	VPIDEnabled bool
	VPID        uint16

	EventInjectionValid bool
	EventVector         uint8
	EventType           uint8 // 0=ext-int,1=rsvd,2=NMI,3=hw-exc,4=soft-int,5=priv-soft-exc,6=soft-exc,7=other
	EventHasErrorCode   bool

	MSRStoreAddr  uint64
	MSRLoadAddr   uint64
	MSRStoreCount uint32
	MSRLoadCount  uint32

	CR3TargetCount uint32
}

// DefaultCapabilities reports a fully permissive capability set: every
// control bit allowed to be either 0 or 1, both EPT UC and WB memory
// types supported. This package has no host RDMSR primitive to probe
// the real IA32_VMX_*_CTLS/IA32_VMX_EPT_VPID_CAP MSRs (bf_intrinsic_op
// only models MSRs a VPS itself tracks as register tokens), so Run uses
// this fixture rather than leaving a caller with no capability snapshot
// at all.
func DefaultCapabilities() *Capabilities {
	return &Capabilities{
		PinBasedAllowed0: 0xFFFFFFFF, PinBasedAllowed1: 0xFFFFFFFF,
		ProcBasedAllowed0: 0xFFFFFFFF, ProcBasedAllowed1: 0xFFFFFFFF,
		ProcBased2Allowed0: 0xFFFFFFFF, ProcBased2Allowed1: 0xFFFFFFFF,
		ExitAllowed0: 0xFFFFFFFF, ExitAllowed1: 0xFFFFFFFF,
		EntryAllowed0: 0xFFFFFFFF, EntryAllowed1: 0xFFFFFFFF,
		EPTSupportsUC: true, EPTSupportsWB: true,
	}
}

// checkControls runs the controls-consistency checks below before VM
// entry: reserved control bits, secondary-control activation, TPR
// shadow, posted interrupts, EPT, VPID, event injection, MSR-area
// addresses and the CR3-target count. It is a subset of the SDM Ch.26 /
// APM §15 lists; checks not written out below are not performed. It
// never mutates c or cap; a failure reports a specific bferr.Kind so
// the caller never enters the guest silently.
func checkControls(c *Controls, cap *Capabilities) error {
	if err := checkReservedBits("pin-based", c.PinBased, cap.PinBasedAllowed0, cap.PinBasedAllowed1); err != nil {
		return err
	}
	if err := checkReservedBits("proc-based", c.ProcBased, cap.ProcBasedAllowed0, cap.ProcBasedAllowed1); err != nil {
		return err
	}
	if c.ActivateSecondaryControls {
		if err := checkReservedBits("proc-based-2", c.ProcBased2, cap.ProcBased2Allowed0, cap.ProcBased2Allowed1); err != nil {
			return err
		}
	} else if c.ProcBased2 != 0 {
		return bferr.New(bferr.InvalidArgument, "vps: secondary controls set but activate_secondary_controls=0")
	}
	if err := checkReservedBits("vm-exit", c.ExitCtls, cap.ExitAllowed0, cap.ExitAllowed1); err != nil {
		return err
	}
	if err := checkReservedBits("vm-entry", c.EntryCtls, cap.EntryAllowed0, cap.EntryAllowed1); err != nil {
		return err
	}

	if !c.UseTPRShadow {
		if c.VirtualInterruptDelivery || c.VirtualizeX2ApicMode || c.APICRegisterVirtualization {
			return bferr.New(bferr.InvalidArgument, "vps: APIC virtualization controls require use_tpr_shadow")
		}
	}

	if c.PostedInterrupts {
		if !c.ExternalInterruptExiting || !c.AckInterruptOnExit {
			return bferr.New(bferr.InvalidArgument, "vps: posted interrupts require external-interrupt-exiting and ack-on-exit")
		}
		if c.NotificationVector >= 256 {
			return bferr.New(bferr.InvalidArgument, "vps: posted-interrupt notification vector out of range")
		}
		if c.PostedIntrDescAddr%4096 != 0 {
			return bferr.New(bferr.InvalidArgument, "vps: posted-interrupt descriptor must be 4 KiB aligned")
		}
	}

	if c.EPTEnabled {
		if c.EPTPageWalkLengthM1 > 3 {
			return bferr.New(bferr.InvalidArgument, "vps: EPT page walk length out of range")
		}
		switch c.EPTMemoryType {
		case EPTMemTypeUC:
			if !cap.EPTSupportsUC {
				return bferr.New(bferr.InvalidArgument, "vps: EPT memory type UC not supported by IA32_VMX_EPT_VPID_CAP")
			}
		case EPTMemTypeWB:
			if !cap.EPTSupportsWB {
				return bferr.New(bferr.InvalidArgument, "vps: EPT memory type WB not supported by IA32_VMX_EPT_VPID_CAP")
			}
		default:
			return bferr.New(bferr.InvalidArgument, "vps: EPT memory type not supported by IA32_VMX_EPT_VPID_CAP")
		}
	}

	if c.VPIDEnabled && c.VPID == 0 {
		return bferr.New(bferr.InvalidArgument, "vps: VPID enabled but VPID is zero")
	}

	if c.EventInjectionValid {
		if err := checkEventInjection(c); err != nil {
			return err
		}
	}

	if c.MSRStoreCount > 0 && c.MSRStoreAddr%16 != 0 {
		return bferr.New(bferr.InvalidArgument, "vps: MSR-store address must be 16-byte aligned")
	}
	if c.MSRLoadCount > 0 && c.MSRLoadAddr%16 != 0 {
		return bferr.New(bferr.InvalidArgument, "vps: MSR-load address must be 16-byte aligned")
	}
	if cap.HostPhysAddrWidth > 0 {
		limit := uint64(1) << cap.HostPhysAddrWidth
		if c.MSRStoreCount > 0 && c.MSRStoreAddr >= limit {
			return bferr.New(bferr.InvalidArgument, "vps: MSR-store address exceeds host physical-address width")
		}
		if c.MSRLoadCount > 0 && c.MSRLoadAddr >= limit {
			return bferr.New(bferr.InvalidArgument, "vps: MSR-load address exceeds host physical-address width")
		}
	}

	if c.CR3TargetCount > 4 {
		return bferr.New(bferr.InvalidArgument, "vps: CR3-target count must be <= 4")
	}

	return nil
}

func checkReservedBits(name string, val, allowed0, allowed1 uint32) error {
	// A bit may be 0 only if allowed0 permits 0; it may be 1 only if
	// allowed1 permits 1. allowed0/allowed1 bit semantics follow the
	// SDM's "allowed-0 settings" / "allowed-1 settings" reporting MSRs:
	// bit set in allowed0 means the bit is permitted to be 0, bit set
	// in allowed1 means the bit is permitted to be 1.
	mustBeOne := ^allowed0
	mustBeZero := ^allowed1
	if (val & mustBeOne) != mustBeOne {
		return bferr.New(bferr.InvalidArgument, "vps: "+name+" controls missing a bit required by allowed-0 mask")
	}
	if val&mustBeZero != 0 {
		return bferr.New(bferr.InvalidArgument, "vps: "+name+" controls set a bit forbidden by allowed-1 mask")
	}
	return nil
}

func checkEventInjection(c *Controls) error {
	switch c.EventType {
	case 0, 2, 3, 4, 5, 6, 7:
		// valid types per SDM Table 24-15; type 1 is reserved.
	case 1:
		return bferr.New(bferr.InvalidArgument, "vps: event injection type 1 is reserved")
	}
	if c.EventType == 3 && c.EventVector > 31 && !c.EventHasErrorCode {
		// hardware exceptions above vector 31 are software-defined; no
		// further cross-validation needed here, left permissive.
	}
	if (c.EventType == 6 || c.EventType == 4) && c.EventHasErrorCode {
		return bferr.New(bferr.InvalidArgument, "vps: software/soft-exception events never carry an error code")
	}
	return nil
}
