// Package imports implements the IAT patcher described in spec §4.F: walk
// the import directory, resolve each named or ordinal import through
// host-provided callbacks, and write the resolved pointer into the first
// thunk at its final (post-emission) virtual address.
package imports

import (
	"strconv"

	"peforge.dev/rewire/block"
	"peforge.dev/rewire/image"
	"peforge.dev/rewire/rwerror"
)

// LoadModule resolves a module name to an opaque handle (LoadLibraryA).
type LoadModule func(name string) (uintptr, error)

// ResolveSymbol resolves a name within a loaded module to its address
// (GetProcAddress). Ordinal imports are looked up via the synthesized name
// "#"+ordinal (Open Question 3, resolved in SPEC_FULL.md §4.F), so the
// resolver's code path stays uniform whether or not the import is named.
type ResolveSymbol func(module uintptr, name string) (uintptr, error)

// Patcher is the narrow interface the resolver needs over the target's
// data regions to write resolved pointers at a final virtual address.
// Concretely satisfied by the rewire orchestrator's regionPatcher, which
// translates an absolute address back into a (region, offset) pair over the
// session's registered regions.
type Patcher interface {
	PatchPointer(addr uintptr, value uint64) error
}

// Resolve walks img.Imports, resolves every thunk through load/resolve,
// and writes the resolved pointer into the IAT slot at its emitted final
// address (via list.FinalAddress), per spec §4.F.
func Resolve(img *image.Image, list *block.List, patch Patcher, load LoadModule, resolve ResolveSymbol) error {
	for _, m := range img.Imports {
		handle, err := load(m.Name)
		if err != nil {
			return rwerror.Wrap(rwerror.ImportResolutionFailed, rwerror.PhaseImports, m.FirstThunk, err)
		}

		thunks, err := img.Thunks(m)
		if err != nil {
			return rwerror.Wrap(rwerror.ParseError, rwerror.PhaseImports, m.FirstThunk, err)
		}

		for _, te := range thunks {
			lookupName := te.Name
			if te.IsOrdinal {
				lookupName = "#" + strconv.Itoa(int(te.Ordinal))
			}
			addr, err := resolve(handle, lookupName)
			if err != nil {
				return rwerror.Wrapf(rwerror.ImportResolutionFailed, rwerror.PhaseImports, te.RVA, err,
					"module %q symbol %q: %v", m.Name, lookupName, err)
			}

			finalAddr, ok := list.FinalAddress(te.RVA)
			if !ok {
				return rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseImports, te.RVA,
					"import thunk rva has no final emitted address")
			}
			if err := patch.PatchPointer(finalAddr, uint64(addr)); err != nil {
				return rwerror.Wrap(rwerror.ImportResolutionFailed, rwerror.PhaseImports, te.RVA, err)
			}
		}
	}
	return nil
}
