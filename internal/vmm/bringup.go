// Package vmm wires the core packages together and implements the
// driver-to-VMM entry flow spec.md §6 describes: parsing the header
// the loader driver hands off, loading the embedded ELF images, and
// bringing up every PP.
package vmm

import (
	"context"
	"encoding/binary"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Bareflank/hypervisor-sub014/internal/bfelf"
	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
	"github.com/Bareflank/hypervisor-sub014/internal/extension"
	"github.com/Bareflank/hypervisor-sub014/internal/hypercall"
	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/ipi"
	"github.com/Bareflank/hypervisor-sub014/internal/pagepool"
	"github.com/Bareflank/hypervisor-sub014/internal/tls"
	"github.com/Bareflank/hypervisor-sub014/internal/vmmconfig"
	"github.com/Bareflank/hypervisor-sub014/internal/vmpool"
)

// driverHeaderSize is the fixed portion of the driver->VMM buffer
// (spec.md §6): entry vaddr, PP0 stack vaddr, PP0 TLS vaddr, total size.
const driverHeaderSize = 32

// DriverHeader is the fixed head of the driver-provided buffer.
type DriverHeader struct {
	EntryVaddr    uint64
	PP0StackVaddr uint64
	PP0TLSVaddr   uint64
	TotalSize     uint64
}

// ParseDriverHeader reads the fixed 32-byte header spec.md §6 defines.
// The embedded ELF images (microkernel first, then extensions) follow
// at offset 32 and are this function's remaining return value.
func ParseDriverHeader(buf []byte) (DriverHeader, []byte, error) {
	if len(buf) < driverHeaderSize {
		return DriverHeader{}, nil, bferr.New(bferr.InvalidArgument, "vmm: driver buffer shorter than header")
	}
	h := DriverHeader{
		EntryVaddr:    binary.LittleEndian.Uint64(buf[0:8]),
		PP0StackVaddr: binary.LittleEndian.Uint64(buf[8:16]),
		PP0TLSVaddr:   binary.LittleEndian.Uint64(buf[16:24]),
		TotalSize:     binary.LittleEndian.Uint64(buf[24:32]),
	}
	if h.TotalSize < uint64(len(buf)) {
		return DriverHeader{}, nil, bferr.New(bferr.InvalidArgument, "vmm: header total_size smaller than buffer")
	}
	return h, buf[driverHeaderSize:], nil
}

// VMM is the assembled core: every pool/dispatcher/bus the hypercall
// ABI and the extension loader need, plus the per-PP bring-up state.
type VMM struct {
	cfg     vmmconfig.Config
	log     *logrus.Entry
	pool    *pagepool.Pool
	pools   *vmpool.Pools
	tlsTbl  *tls.Table
	loader  *bfelf.Loader
	bus     *ipi.Bus
	dispatch *hypercall.Dispatcher

	header      DriverHeader
	extensions  []*extension.Extension
}

// New assembles a VMM from configuration. vendor and kvmFD are resolved
// by the caller (typically via intrinsics.OpenDevice/DetectVendor)
// rather than probed here; kvmFD may be 0 for callers (tests, demos)
// that never dispatch bf_vps_op_run and so never need a real VM fd.
func New(cfg vmmconfig.Config, kvmFD int, vendor intrinsics.Vendor, log *logrus.Entry) (*VMM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	pool, err := pagepool.New(pagepool.Config{
		Num4K: cfg.PagePool.Num4K,
		Num2M: cfg.PagePool.Num2M,
		Num1G: cfg.PagePool.Num1G,
	})
	if err != nil {
		return nil, err
	}

	const maxVMs, maxVPs, maxVPSes = 64, 256, 256
	pools := vmpool.New(kvmFD, pool, vendor, maxVMs, maxVPs, maxVPSes)
	tlsTbl := tls.NewTable(cfg.NumPPs)

	return &VMM{
		cfg:      cfg,
		log:      log.WithField("component", "vmm"),
		pool:     pool,
		pools:    pools,
		tlsTbl:   tlsTbl,
		loader:   bfelf.NewLoader(1 + len(cfg.ExtensionPaths)),
		bus:      ipi.NewBus(cfg.NumPPs),
		dispatch: hypercall.New(pools, tlsTbl, pool),
	}, nil
}

// Dispatcher exposes the hypercall dispatcher every PP's VM-exit
// handler routes bf_*_op calls through.
func (v *VMM) Dispatcher() *hypercall.Dispatcher { return v.dispatch }

// Bus exposes the IPI bus bring-up registers handlers against.
func (v *VMM) Bus() *ipi.Bus { return v.bus }

// LoadImages runs spec.md §4.5's extension loader over every embedded
// ELF image in buf (after the header), in file order ("microkernel
// first, then extensions"). Each image is given an execVirt equal to
// its own index's slot in a flat guest-virtual layout; this repo has
// no real guest address space to place them in, so execVirt here is
// only meaningful to the PIC/relocation bookkeeping, not a real mapping.
func (v *VMM) LoadImages(buf []byte) error {
	header, images, err := ParseDriverHeader(buf)
	if err != nil {
		return err
	}
	v.header = header

	off := 0
	for off < len(images) {
		img, consumed, err := v.loadOneImage(images[off:])
		if err != nil {
			return err
		}
		if consumed == 0 {
			break
		}
		v.extensions = append(v.extensions, img)
		off += consumed
	}
	return nil
}

func (v *VMM) loadOneImage(raw []byte) (*extension.Extension, int, error) {
	// An embedded image's extent isn't separately length-prefixed in
	// spec.md §6's layout, so each embedded ELF's own end is taken as
	// the furthest of its section header table (e_shoff + e_shnum *
	// e_shentsize) and its PT_LOAD file ranges, capped at the rest of
	// the buffer. Any extension.Load failure is treated as the end of
	// the embedded-image list (padding/trailer bytes), not as an error.
	ext, err := extension.Load(v.pool, v.loader, raw, uint64(len(v.extensions))<<32)
	if err != nil {
		return nil, 0, nil //nolint:nilerr // no more embedded images to load
	}
	v.log.WithField("bootstrap", ext.Entries.Bootstrap).Info("vmm: loaded extension image")
	end := binary.LittleEndian.Uint64(raw[40:]) +
		uint64(binary.LittleEndian.Uint16(raw[58:]))*uint64(binary.LittleEndian.Uint16(raw[60:]))
	for i := 0; i < ext.Image.NumLoadInstructions(); i++ {
		if li, err := ext.Image.LoadInstruction(i); err == nil && li.FileOffset+li.FileSize > end {
			end = li.FileOffset + li.FileSize
		}
	}
	if end > uint64(len(raw)) {
		end = uint64(len(raw))
	}
	return ext, int(end), nil
}

// BringUp fans out per-PP initialization across cfg.NumPPs goroutines,
// standing in for the driver "calling the entry on each target PP"
// (spec.md §6). invoke is handed the resolved microkernel bootstrap
// entry point and that PP's id; this repo cannot safely transfer
// control to a raw address from Go (that requires an assembly
// trampoline per spec.md's Design Notes), so invoke is the caller's
// hook for wiring in that trampoline, or, for demos, simply recording
// the call.
func (v *VMM) BringUp(ctx context.Context, invoke func(ppID uint16, entry uint64) error) error {
	if len(v.extensions) == 0 {
		return bferr.New(bferr.InvalidArgument, "vmm: no images loaded before bring-up")
	}
	entry := v.extensions[0].Entries.Bootstrap

	// A bare errgroup.Group (no WithContext) is used deliberately: the
	// WithContext variant cancels its derived context the instant Wait
	// returns, which would tear down every PP's long-lived mailbox
	// Serve loop right as bring-up finishes, before a later Stop
	// broadcast could ever reach it.
	var g errgroup.Group
	for i := 0; i < v.cfg.NumPPs; i++ {
		ppID := uint16(i)
		g.Go(func() error {
			block, err := v.tlsTbl.Get(ppID)
			if err != nil {
				return err
			}
			block.PPID = ppID
			block.ExceptionStack = uintptr(v.header.PP0StackVaddr + uint64(ppID)*v.cfg.StackStride)

			if err := v.bus.Register(ppID, func(msg ipi.Message) error {
				return v.handleIPI(ppID, msg)
			}); err != nil {
				return err
			}
			go v.bus.Serve(ctx, ppID)

			v.log.WithField("pp", ppID).Info("vmm: bringing up PP")
			return invoke(ppID, entry)
		})
	}
	return g.Wait()
}

func (v *VMM) handleIPI(ppID uint16, msg ipi.Message) error {
	switch msg.Kind {
	case ipi.KindStop:
		v.log.WithField("pp", ppID).Info("vmm: PP stopping")
		return nil
	case ipi.KindDeactivateVPS:
		vp, err := v.pools.VPS(msg.VPSID)
		if err != nil {
			return err
		}
		return vp.Deactivate()
	default:
		return bferr.New(bferr.InvalidArgument, "vmm: unknown ipi kind")
	}
}

// Stop broadcasts the cancellation IPI to every PP and waits
// synchronously for all of them, per spec.md §5.
func (v *VMM) Stop(ctx context.Context) error {
	return v.bus.Stop(ctx)
}
