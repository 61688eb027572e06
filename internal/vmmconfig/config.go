// Package vmmconfig loads the VMM's static configuration: page pool
// sizing, PP count, and the extension search path, from a TOML file.
package vmmconfig

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Bareflank/hypervisor-sub014/internal/bferr"
)

// PagePool sizes the three frame-class arenas (internal/pagepool.Config).
type PagePool struct {
	Num4K int `toml:"num_4k"`
	Num2M int `toml:"num_2m"`
	Num1G int `toml:"num_1g"`
}

// Config is the VMM's full static configuration.
type Config struct {
	NumPPs int      `toml:"num_pps"`
	PagePool PagePool `toml:"page_pool"`
	// ExtensionPaths names the extension ELF images, in order (spec.md
	// §6: "microkernel first, then extensions"). vmm.New uses only its
	// length, to size the ELF loader (one slot for the microkernel plus
	// one per entry); the images themselves are read from the driver
	// buffer, not from these paths.
	ExtensionPaths []string `toml:"extension_paths"`
	// StackStride and TLSStride are the per-PP address spacing over the
	// driver-supplied PP0 stack/TLS addresses (spec.md §6 gives only
	// PP0's addresses; every other PP's is this repo's own convention —
	// see DESIGN.md's Open Question decision for internal/vmmconfig).
	// Bring-up applies StackStride to each PP's exception stack;
	// TLSStride is validated but no per-PP TLS address is derived from it.
	StackStride uint64 `toml:"stack_stride"`
	TLSStride   uint64 `toml:"tls_stride"`
	LogLevel    string `toml:"log_level"`
}

// Default returns a Config with conservative defaults: a single PP, a
// small page pool, no extensions, info-level logging.
func Default() Config {
	return Config{
		NumPPs:      1,
		PagePool:    PagePool{Num4K: 256},
		StackStride: 64 * 1024,
		TLSStride:   4096,
		LogLevel:    "info",
	}
}

// Load decodes a TOML file into a Config seeded with Default, so a
// config file only needs to override the fields it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "vmmconfig: decode")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that can't build a working VMM.
func (c Config) Validate() error {
	if c.NumPPs <= 0 {
		return bferr.New(bferr.InvalidArgument, "vmmconfig: num_pps must be positive")
	}
	if c.PagePool.Num4K <= 0 && c.PagePool.Num2M <= 0 && c.PagePool.Num1G <= 0 {
		return bferr.New(bferr.InvalidArgument, "vmmconfig: page pool has no capacity in any class")
	}
	if c.StackStride == 0 || c.TLSStride == 0 {
		return bferr.New(bferr.InvalidArgument, "vmmconfig: stack_stride and tls_stride must be nonzero")
	}
	return nil
}
