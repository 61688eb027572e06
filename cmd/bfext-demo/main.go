// Command bfext-demo plays the part of a loaded extension. Instead of
// running as a separate ELF image under a real VM-exit loop, it links
// directly against internal/hypercall and issues the same bf_*_op
// calls an extension's hypercall instruction would produce, against a
// Dispatcher it assembles itself — demonstrating the ABI end-to-end
// (handle/VM/VP/VPS lifecycle, bf_intrinsic_op, bf_mem_op) together
// with a PIC+serial device pair driven purely from extension code, per
// the Non-goal that keeps device models out of the core.
package main

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/Bareflank/hypervisor-sub014/internal/extdevice"
	"github.com/Bareflank/hypervisor-sub014/internal/hypercall"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
	"github.com/Bareflank/hypervisor-sub014/internal/tls"
	"github.com/Bareflank/hypervisor-sub014/internal/vmpool"
)

const demoPP uint16 = 0

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	pool, err := pagepool.New(pagepool.Config{Num4K: 64})
	if err != nil {
		log.WithError(err).Fatal("bfext-demo: page pool")
	}
	defer pool.Close()

	pools := vmpool.New(0, pool, intrinsics.VendorIntel, 2, 2, 2)
	tlsTbl := tls.NewTable(1)
	d := hypercall.New(pools, tlsTbl, pool)

	h := mustOpenHandle(log, d)
	vpsID := mustBuildVMVPVPS(log, d, h)

	// bf_vps_op has no allocate sub-opcode; the VPS's control block is
	// allocated directly so bf_intrinsic_op has register storage to use.
	v, err := pools.VPS(vpsID)
	if err != nil {
		log.WithError(err).Fatal("bfext-demo: vps lookup")
	}
	if err := v.Allocate(pool, 0x1); err != nil {
		log.WithError(err).Fatal("bfext-demo: vps allocate")
	}

	demoIntrinsics(log, d, h, vpsID)
	demoMem(log, d, h)
	demoDevices(log)

	status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupHandle, hypercall.HandleClose), hypercall.Args{0: h})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: handle close failed")
	}
	log.Info("bfext-demo: done")
}

func mustOpenHandle(log *logrus.Entry, d *hypercall.Dispatcher) uint64 {
	status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupHandle, hypercall.HandleOpen), hypercall.Args{})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: handle open failed")
	}
	// A fresh Dispatcher hands out handle 1 first; this demo never
	// opens more than one.
	return 1
}

func mustBuildVMVPVPS(log *logrus.Entry, d *hypercall.Dispatcher, h uint64) uint16 {
	if status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupVM, hypercall.VMCreate), hypercall.Args{0: h}); status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: vm create failed")
	}
	vmID := d.CurrentVM(demoPP)

	if status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupVP, hypercall.VPCreate), hypercall.Args{0: h, 1: uint64(vmID)}); status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: vp create failed")
	}
	vpID := d.CurrentVP(demoPP)

	if status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupVPS, hypercall.VPSCreate), hypercall.Args{0: h, 1: uint64(vpID)}); status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: vps create failed")
	}
	vpsID := d.CurrentVPS(demoPP)
	log.WithField("vm", vmID).WithField("vp", vpID).WithField("vps", vpsID).Info("bfext-demo: vm/vp/vps chain up")
	return vpsID
}

func demoIntrinsics(log *logrus.Entry, d *hypercall.Dispatcher, h uint64, vpsID uint16) {
	const ia32Efer = 0xC0000080
	const eferLME = 1 << 8

	status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupIntrinsic, hypercall.IntrinsicWRMSR),
		hypercall.Args{0: h, 1: ia32Efer, 2: uint64(vpsID), 3: eferLME})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: wrmsr failed")
	}

	status = d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupIntrinsic, hypercall.IntrinsicRDMSR),
		hypercall.Args{0: h, 1: ia32Efer, 2: uint64(vpsID)})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: rdmsr failed")
	}
	log.WithField("ia32_efer", d.ReturnValue(demoPP)).Info("bfext-demo: rdmsr round-trip")
}

func demoMem(log *logrus.Entry, d *hypercall.Dispatcher, h uint64) {
	status := d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupMem, hypercall.MemAllocatePage), hypercall.Args{0: h})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: allocate page failed")
	}
	phys := d.ReturnValue(demoPP)
	log.WithField("phys", phys).Info("bfext-demo: allocated a page through bf_mem_op")

	status = d.Dispatch(demoPP, hypercall.MakeOpcode(hypercall.GroupMem, hypercall.MemDeallocatePage), hypercall.Args{0: h, 1: phys})
	if status.Failed() {
		log.WithField("kind", status.KindInt()).Fatal("bfext-demo: deallocate page failed")
	}
}

// demoDevices wires up a PIC and a COM1 serial port the way an
// interrupt-driven console extension would, entirely outside the
// hypercall ABI: these devices live in extension address space, not
// behind bf_mem_op/bf_intrinsic_op.
func demoDevices(log *logrus.Entry) {
	var out bytes.Buffer
	pic := extdevice.NewPIC()
	serial := extdevice.NewSerial(&out, pic)

	bus := extdevice.NewBus()
	bus.Register(extdevice.PICMasterCmdPort, extdevice.PICMasterDataPort, pic)
	bus.Register(extdevice.COM1Base, extdevice.COM1End, serial)

	initPIC := []struct {
		port uint16
		val  byte
	}{
		{extdevice.PICMasterCmdPort, 0x11}, // ICW1
		{extdevice.PICMasterDataPort, 0x20}, // ICW2: vector offset 0x20
		{extdevice.PICMasterDataPort, 0x04}, // ICW3: cascade line
		{extdevice.PICMasterDataPort, 0x01}, // ICW4
		{extdevice.PICMasterDataPort, 0x00}, // OCW1: unmask everything
	}
	for _, step := range initPIC {
		if err := bus.HandleIO(step.port, extdevice.DirOut, 1, []byte{step.val}); err != nil {
			log.WithError(err).Fatal("bfext-demo: PIC init")
		}
	}

	for _, c := range "bfext-demo up\n" {
		if err := bus.HandleIO(extdevice.COM1Base, extdevice.DirOut, 1, []byte{byte(c)}); err != nil {
			log.WithError(err).Fatal("bfext-demo: serial write")
		}
	}
	os.Stdout.Write(out.Bytes())

	pic.Raise(0)
	if pic.Pending() {
		log.WithField("vector", pic.Vector()).Info("bfext-demo: timer IRQ serviced")
	}
}
