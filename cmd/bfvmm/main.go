// Command bfvmm stands in for the loader driver's half of spec.md §6:
// it opens /dev/kvm, detects the vendor, reads a driver buffer off
// disk (header + embedded ELF images), and drives the VMM through
// load and bring-up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Bareflank/hypervisor-sub014/internal/intrinsics"
	"github.com/Bareflank/hypervisor-sub014/internal/vmm"
	"github.com/Bareflank/hypervisor-sub014/internal/vmmconfig"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("bfvmm: fatal")
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var driverPath string

	cmd := &cobra.Command{
		Use:   "bfvmm",
		Short: "bring up the VMM from a driver-provided image buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, driverPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a vmm.toml config file (defaults baked in if omitted)")
	cmd.Flags().StringVar(&driverPath, "driver-buffer", "", "path to the header+image buffer normally handed off by the loader driver")
	cmd.MarkFlagRequired("driver-buffer")
	return cmd
}

func run(ctx context.Context, configPath, driverPath string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg := vmmconfig.Default()
	if configPath != "" {
		var err error
		cfg, err = vmmconfig.Load(configPath)
		if err != nil {
			return err
		}
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	kvmFD, err := intrinsics.OpenDevice()
	if err != nil {
		return err
	}
	defer syscall.Close(kvmFD)

	vendor, err := intrinsics.DetectVendor(kvmFD)
	if err != nil {
		return err
	}
	log.WithField("vendor", vendor).Info("bfvmm: detected host vendor")

	buf, err := os.ReadFile(driverPath)
	if err != nil {
		return err
	}

	v, err := vmm.New(cfg, kvmFD, vendor, log)
	if err != nil {
		return err
	}
	if err := v.LoadImages(buf); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("bfvmm: signal received, stopping")
		if err := v.Stop(runCtx); err != nil {
			log.WithError(err).Warn("bfvmm: stop broadcast failed")
		}
		cancel()
	}()

	// invoke stands in for the assembly trampoline spec.md's Design
	// Notes call for (§6 step 7): real control transfer to a raw
	// resolved address isn't expressible from Go. A deployment wiring
	// this in for real would replace invoke with a small per-arch
	// syscall.Syscall-style stub, or a cgo shim that jumps to entry
	// with that PP's stack/TLS already loaded.
	invoke := func(ppID uint16, entry uint64) error {
		log.WithField("pp", ppID).WithField("entry", entry).Info("bfvmm: would transfer control to microkernel entry")
		return nil
	}

	if err := v.BringUp(runCtx, invoke); err != nil {
		return err
	}
	<-runCtx.Done()
	return nil
}
