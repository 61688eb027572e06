// Package intrinsics wraps the raw CPU/platform primitives the VPS and
// page pool are built on: CPUID-shaped feature probing and the
// /dev/kvm ioctl surface standing in for VMXON/VMLAUNCH/VMRUN (see
// SPEC_FULL.md §0).
package intrinsics

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes. These are the real encoded values (not the
// teacher's placeholder KVM_IOCTL_BASE<<bits arithmetic), ported from
// the gokvm family's Linux kvm.h transcription.
const (
	iocGetAPIVersion       = 44544
	iocCreateVM            = 44545
	iocCreateVCPU          = 44609
	iocRun                 = 44672
	iocGetVCPUMMapSize     = 44548
	iocGetSregs            = 0x8138ae83
	iocSetSregs            = 0x4138ae84
	iocGetRegs             = 0x8090ae81
	iocSetRegs             = 0x4090ae82
	iocSetUserMemoryRegion = 1075883590
	iocSetTSSAddr          = 0xae47
	iocSetIdentityMapAddr  = 0x4008AE48
	iocCreateIRQChip       = 0xAE60
	iocCreatePIT2          = 0x4040AE77
	iocGetSupportedCPUID   = 0xC008AE05
	iocSetCPUID2           = 0x4008AE90
	iocIRQLine             = 0xc008ae67
)

// KVM_EXIT_* reasons reported in RunData.ExitReason.
const (
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitInternalError = 17
)

const (
	ExitIODirectionIn  = 0
	ExitIODirectionOut = 1
)

const numInterrupts = 0x100

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       Descriptor
	CR0, CR2, CR3, CR4, CR8        uint64
	EFER                           uint64
	ApicBase                       uint64
	InterruptBitmap                [(numInterrupts + 63) / 64]uint64
}

// RunData mirrors the head of the mmap'd struct kvm_run page, enough of
// it to dispatch KVM_EXIT_IO/MMIO/HLT/SHUTDOWN/FAIL_ENTRY.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union fields KVM_EXIT_IO populates: direction, access
// size, port, repetition count, and the byte offset (within the
// kvm_run page) of the transferred data.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]
	return
}

// MMIO decodes the union fields KVM_EXIT_MMIO populates.
func (r *RunData) MMIO() (physAddr, length uint64, isWrite bool, data [8]byte) {
	physAddr = r.Data[0]
	length = r.Data[1]
	isWrite = r.Data[2] != 0
	for i := range data {
		data[i] = byte(r.Data[3] >> (8 * uint(i)))
	}
	return
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// IRQLevel mirrors struct kvm_irq_level.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

var errUnexpectedExit = errors.New("intrinsics: unexpected kvm exit reason")

func ioctl(fd int, req uintptr, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

// OpenDevice opens /dev/kvm for VM creation.
func OpenDevice() (int, error) {
	return unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// CreateVM issues KVM_CREATE_VM on an open /dev/kvm fd, returning the
// new VM fd.
func CreateVM(kvmFD int) (int, error) {
	r, err := ioctl(kvmFD, iocCreateVM, 0)
	return int(r), err
}

// CreateVCPU issues KVM_CREATE_VCPU, returning the new vCPU fd.
func CreateVCPU(vmFD int, id int) (int, error) {
	r, err := ioctl(vmFD, iocCreateVCPU, uintptr(id))
	return int(r), err
}

// GetVCPUMMapSize returns the size in bytes of the mmap'd kvm_run page.
func GetVCPUMMapSize(kvmFD int) (int, error) {
	r, err := ioctl(kvmFD, iocGetVCPUMMapSize, 0)
	return int(r), err
}

// MmapRun maps the vCPU's kvm_run page.
func MmapRun(vcpuFD int, size int) ([]byte, error) {
	return unix.Mmap(vcpuFD, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Run issues KVM_RUN. EAGAIN/EINTR are not failures: the caller should
// re-examine RunData and potentially re-enter.
func Run(vcpuFD int) error {
	_, err := ioctl(vcpuFD, iocRun, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
	}
	return err
}

// GetRegs issues KVM_GET_REGS.
func GetRegs(vcpuFD int) (Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, iocGetRegs, uintptr(unsafe.Pointer(&regs)))
	return regs, err
}

// SetRegs issues KVM_SET_REGS.
func SetRegs(vcpuFD int, regs *Regs) error {
	_, err := ioctl(vcpuFD, iocSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

// GetSregs issues KVM_GET_SREGS.
func GetSregs(vcpuFD int) (Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, iocGetSregs, uintptr(unsafe.Pointer(&sregs)))
	return sregs, err
}

// SetSregs issues KVM_SET_SREGS.
func SetSregs(vcpuFD int, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, iocSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

// SetUserMemoryRegion issues KVM_SET_USER_MEMORY_REGION, installing a
// guest-physical mapping backed by a page-pool-owned host region.
func SetUserMemoryRegion(vmFD int, region *UserspaceMemoryRegion) error {
	_, err := ioctl(vmFD, iocSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

// SetTSSAddr issues KVM_SET_TSS_ADDR, required on Intel hosts.
func SetTSSAddr(vmFD int, addr uint64) error {
	_, err := ioctl(vmFD, iocSetTSSAddr, uintptr(addr))
	return err
}

// SetIdentityMapAddr issues KVM_SET_IDENTITY_MAP_ADDR, required on
// Intel hosts for the EPT identity-mapped page.
func SetIdentityMapAddr(vmFD int, addr uint64) error {
	a := addr
	_, err := ioctl(vmFD, iocSetIdentityMapAddr, uintptr(unsafe.Pointer(&a)))
	return err
}

// CreateIRQChip issues KVM_CREATE_IRQCHIP.
func CreateIRQChip(vmFD int) error {
	_, err := ioctl(vmFD, iocCreateIRQChip, 0)
	return err
}

// CreatePIT2 issues KVM_CREATE_PIT2.
func CreatePIT2(vmFD int) error {
	cfg := PitConfig{}
	_, err := ioctl(vmFD, iocCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	return err
}

// IRQLine issues KVM_IRQ_LINE.
func IRQLine(vmFD int, irq, level uint32) error {
	l := IRQLevel{IRQ: irq, Level: level}
	_, err := ioctl(vmFD, iocIRQLine, uintptr(unsafe.Pointer(&l)))
	return err
}

// GetSupportedCPUID issues KVM_GET_SUPPORTED_CPUID against the /dev/kvm
// fd (not a vCPU fd).
func GetSupportedCPUID(kvmFD int) (*CPUID, error) {
	c := &CPUID{Nent: uint32(len(CPUID{}.Entries))}
	_, err := ioctl(kvmFD, iocGetSupportedCPUID, uintptr(unsafe.Pointer(c)))
	return c, err
}

// SetCPUID2 issues KVM_SET_CPUID2 on a vCPU fd.
func SetCPUID2(vcpuFD int, c *CPUID) error {
	_, err := ioctl(vcpuFD, iocSetCPUID2, uintptr(unsafe.Pointer(c)))
	return err
}

// ErrUnexpectedExit is returned by dispatch helpers when RunData.ExitReason
// does not match any case the caller handles.
func ErrUnexpectedExit() error { return errUnexpectedExit }
