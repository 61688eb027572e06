package bfelf

import "github.com/Bareflank/hypervisor-sub014/internal/bferr"

// module is one entry in a Loader's module set: the parsed/added image
// plus the destination memory buffer it was loaded into. Referencing
// sibling modules by index into Loader.modules (never by pointer)
// avoids the self-referential structures spec.md's Design Notes warn
// against.
type module struct {
	img *Image
	mem []byte
}

// Loader is an ordered sequence of ELF images sharing one symbol
// namespace (spec.md §3 "ELF loader (module set)"). It is bounded by
// the maxModules given to NewLoader and idempotent to relocate.
type Loader struct {
	modules    []module
	maxModules int
	relocated  bool
}

// NewLoader constructs an empty Loader bounded to hold at most
// maxModules images.
func NewLoader(maxModules int) *Loader {
	return &Loader{maxModules: maxModules}
}

// NumModules returns the number of images currently held.
func (l *Loader) NumModules() int { return len(l.modules) }

// AddImage implements loader_add end-to-end: binds img to execAddr/
// execVirt (see Image.Add) and inserts it into the module set, given
// the destination memory buffer the caller has already copied the
// image's load instructions into (spec.md §4.5 steps 3-4).
//
// Per spec.md §8 Invariant 2 ("loader_add does not mutate the loader
// on any failure before increment of num"), a failing Image.Add leaves
// the module set untouched.
func (l *Loader) AddImage(img *Image, execAddr, execVirt uint64, mem []byte) error {
	if len(l.modules) >= l.maxModules {
		return bferr.New(bferr.LoaderFull, "loader module capacity exceeded")
	}
	if err := img.Add(execAddr, execVirt); err != nil {
		return err
	}
	l.modules = append(l.modules, module{img: img, mem: mem})
	return nil
}

// Relocated reports whether Relocate has already run to completion.
func (l *Loader) Relocated() bool { return l.relocated }

// Relocate implements loader_relocate (spec.md §4.1, §8 Invariant 3):
// idempotent, processes RELA.DYN then RELA.PLT for every module in
// insertion order.
func (l *Loader) Relocate() error {
	if l.relocated {
		return nil
	}

	for i := range l.modules {
		m := &l.modules[i]
		dynOff, dynCount, pltOff, pltCount := m.img.relaFileOffsets()

		resolve := func(name string) (uint64, bool) {
			return l.resolveSkipping(name, i)
		}

		for j := 0; j < dynCount; j++ {
			r := m.img.relaAt(dynOff, j)
			if err := m.img.applyRelocation(m.mem, r, resolve); err != nil {
				return err
			}
		}
		for j := 0; j < pltCount; j++ {
			r := m.img.relaAt(pltOff, j)
			if err := m.img.applyRelocation(m.mem, r, resolve); err != nil {
				return err
			}
		}
	}

	l.relocated = true
	return nil
}

// ResolveSymbol looks up name across every module in insertion order
// (spec.md §8 "ELF round-trip", E2E #3/#6).
func (l *Loader) ResolveSymbol(name string) (uint64, error) {
	if v, ok := l.resolveSkipping(name, -1); ok {
		return v, nil
	}
	return 0, bferr.New(bferr.NoSuchSymbol, "symbol not found: "+name)
}

// resolveSkipping implements the global scan described in spec.md
// §4.1 "Relocate": strong symbols terminate the scan; weak symbols are
// remembered but scanning continues so a later strong symbol wins;
// symbols with st_value == 0 are skipped (undefined).
func (l *Loader) resolveSkipping(name string, skip int) (uint64, bool) {
	var weakVal uint64
	haveWeak := false

	for i, m := range l.modules {
		if i == skip {
			continue
		}
		sym, _, found := m.img.hashLookup(name)
		if !found || sym.Value == 0 {
			continue
		}
		value := m.img.rebase(sym.Value)
		if sym.Bind() == BindWeak {
			if !haveWeak {
				weakVal = value
				haveWeak = true
			}
			continue
		}
		return value, true
	}

	if haveWeak {
		return weakVal, true
	}
	return 0, false
}
