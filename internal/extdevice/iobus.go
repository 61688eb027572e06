// Package extdevice models the port-I/O device surface a demo
// extension drives, not the core. spec.md's Non-goals exclude "a core-
// resident device model for arbitrary I/O" — devices are the
// responsibility of extensions (§1) — but a demo extension still needs
// something to exercise through the hypercall ABI, so this package
// lives one layer above internal/hypercall, imported only by
// cmd/bfext-demo.
package extdevice

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// I/O direction, mirroring the two halves of a KVM_EXIT_IO exit.
const (
	DirIn  uint8 = 0
	DirOut uint8 = 1
)

// PortDevice handles port I/O for one or more registered ports.
type PortDevice interface {
	HandleIO(port uint16, dir uint8, size uint8, data []byte) error
}

// Bus routes port I/O to whichever PortDevice claimed the port.
type Bus struct {
	ports map[uint16]PortDevice
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{ports: make(map[uint16]PortDevice)}
}

// Register claims every port in [start, end] for device. A later
// registration overlapping an earlier one replaces it, logged at warn
// level since it usually indicates a device map mistake.
func (b *Bus) Register(start, end uint16, device PortDevice) {
	if device == nil {
		logrus.Warn("extdevice: refusing to register a nil device")
		return
	}
	for port := start; ; port++ {
		if _, exists := b.ports[port]; exists {
			logrus.WithField("port", fmt.Sprintf("0x%x", port)).Warn("extdevice: overwriting existing port registration")
		}
		b.ports[port] = device
		if port == end || port == 0xFFFF {
			break
		}
	}
}

// HandleIO dispatches one port access to its registered device.
func (b *Bus) HandleIO(port uint16, dir uint8, size uint8, data []byte) error {
	device, ok := b.ports[port]
	if !ok {
		return fmt.Errorf("extdevice: unhandled I/O on port 0x%x", port)
	}
	return device.HandleIO(port, dir, size, data)
}
