package hypercall

import "github.com/Bareflank/hypervisor-sub014/internal/vps"

// msrToToken maps the real x86 MSR addresses bf_intrinsic_op callers
// pass in args[1] to the subset of RegToken values a VPS actually
// tracks (internal/vps/regs.go). Real hardware exposes thousands of
// MSRs; this repo has no host RDMSR/WRMSR primitive (the nearest KVM
// equivalent, KVM_GET_MSRS/KVM_SET_MSRS, isn't wired into
// internal/intrinsics), so bf_intrinsic_op only round-trips the MSRs a
// VPS already shadows for VM-entry/exit instead of touching the host.
var msrToToken = map[uint64]vps.RegToken{
	0xC0000080: vps.RegIa32Efer,
	0xC0000081: vps.RegIa32Star,
	0xC0000082: vps.RegIa32Lstar,
	0xC0000083: vps.RegIa32Cstar,
	0xC0000084: vps.RegIa32FmaskGeneric,
	0xC0000100: vps.RegFsBaseMsr,
	0xC0000101: vps.RegGsBaseMsr,
	0xC0000102: vps.RegKernelGsBase,
	0x00000174: vps.RegIa32SysenterCs,
	0x00000175: vps.RegIa32SysenterEsp,
	0x00000176: vps.RegIa32SysenterEip,
	0x00000277: vps.RegIa32Pat,
	0x000001D9: vps.RegIa32DebugCtl,
}
