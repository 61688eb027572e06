package intrinsics

// Vendor identifies the host CPU vendor, selecting which VPS
// attribute-compression path (Intel-shaped vs. AMD-shaped) and control
// block layout a VPS uses (SPEC_FULL.md §5).
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "intel"
	case VendorAMD:
		return "amd"
	default:
		return "unknown"
	}
}

// DetectVendor reads CPUID leaf 0 out of the host's KVM-reported
// supported-CPUID list (decoding the vendor string from EBX/EDX/ECX,
// ported from the gokvm cpuid feature-probing shape) rather than
// issuing a raw CPUID instruction, since /dev/kvm already surfaces it.
func DetectVendor(kvmFD int) (Vendor, error) {
	c, err := GetSupportedCPUID(kvmFD)
	if err != nil {
		return VendorUnknown, err
	}
	for i := uint32(0); i < c.Nent; i++ {
		e := c.Entries[i]
		if e.Function != 0 {
			continue
		}
		var b [12]byte
		putLE32(b[0:4], e.Ebx)
		putLE32(b[4:8], e.Edx)
		putLE32(b[8:12], e.Ecx)
		switch string(b[:]) {
		case "GenuineIntel":
			return VendorIntel, nil
		case "AuthenticAMD":
			return VendorAMD, nil
		default:
			return VendorUnknown, nil
		}
	}
	return VendorUnknown, nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
