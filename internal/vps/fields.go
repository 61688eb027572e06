package vps

import (
	"encoding/binary"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
)

// field_index addressing treats the control block as a flat array of
// 8-byte numeric slots (spec.md §4.3 "numeric read<T>/write<T> by
// field_index"). fieldStride is the slot width; fieldCount bounds the
// index against the backing 4 KiB frame.
const fieldStride = 8

func (v *VPS) fieldCount() int {
	return len(v.guestBlock) / fieldStride
}

// ReadField64 / WriteField64 index the guest control block directly by
// field_index, satisfying Invariant 6: write then read at the same
// index returns the written value, independent of any register-token
// mapping.
func (v *VPS) ReadField64(index int) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.guestBlock == nil {
		return 0, bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}
	if index < 0 || index >= v.fieldCount() {
		return 0, bferr.New(bferr.InvalidIndex, "vps: field index out of range")
	}
	return binary.LittleEndian.Uint64(v.guestBlock[index*fieldStride:]), nil
}

func (v *VPS) WriteField64(index int, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.guestBlock == nil {
		return bferr.New(bferr.InvalidArgument, "vps: not allocated")
	}
	if index < 0 || index >= v.fieldCount() {
		return bferr.New(bferr.InvalidIndex, "vps: field index out of range")
	}
	binary.LittleEndian.PutUint64(v.guestBlock[index*fieldStride:], val)
	return nil
}

// ReadField32 / WriteField32 are the 32-bit-width variant used by
// control fields that are natively 32 bits wide in both VMCS and VMCB
// encodings (e.g. pin-based/primary/secondary execution controls).
func (v *VPS) ReadField32(index int) (uint32, error) {
	val, err := v.ReadField64(index)
	return uint32(val), err
}

func (v *VPS) WriteField32(index int, val uint32) error {
	v.mu.Lock()
	cur := uint64(0)
	if v.guestBlock != nil && index >= 0 && index < v.fieldCount() {
		cur = binary.LittleEndian.Uint64(v.guestBlock[index*fieldStride:])
	}
	v.mu.Unlock()
	return v.WriteField64(index, (cur&0xFFFFFFFF00000000)|uint64(val))
}
