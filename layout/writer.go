package layout

import (
	"encoding/binary"

	"peforge.dev/rewire/rwerror"
)

// interRegionJumpSize is the reserved trailing slot, in every code region
// except the last, for the unconditional near JMP that advance emits when
// fall-through crosses a region boundary (see usable).
const interRegionJumpSize = 5

// regionWriter is the per-region cursor described in spec §4.E: a write
// position (region index, offset within region) plus the three operations
// write/advance/force_write.
type regionWriter struct {
	regions []Region
	idx     int
	offset  uint32
	// reserveJump is true for the code-region writer (which may need to
	// emit an inter-region jump at any point) and false for the data-region
	// writer (data emission has no cross-region fallback and never
	// advances, so it needs no reserved slot).
	reserveJump bool
}

func newRegionWriter(regions []Region, reserveJump bool) *regionWriter {
	return &regionWriter{regions: regions, reserveJump: reserveJump}
}

func (w *regionWriter) exhausted() bool { return w.idx >= len(w.regions) }

func (w *regionWriter) currentAddress() uintptr {
	return w.regions[w.idx].Base + uintptr(w.offset)
}

// usable is the portion of the current region available to plain writes,
// net of any reserved inter-region jump slot.
func (w *regionWriter) usable() uint32 {
	r := w.regions[w.idx]
	if !w.reserveJump || w.idx == len(w.regions)-1 {
		return r.Size
	}
	if r.Size < interRegionJumpSize {
		return 0
	}
	return r.Size - interRegionJumpSize
}

// write appends b at the cursor if it fits in the current region's usable
// space. ok is false (with a nil error) when it simply doesn't fit; a
// non-nil error means the underlying MemoryWriter failed.
func (w *regionWriter) write(b []byte) (ok bool, err error) {
	if w.exhausted() {
		return false, nil
	}
	if w.offset+uint32(len(b)) > w.usable() {
		return false, nil
	}
	if err := w.regions[w.idx].Mem.WriteAt(w.offset, b); err != nil {
		return false, err
	}
	w.offset += uint32(len(b))
	return true, nil
}

// advance closes the current region, emitting an unconditional near JMP
// from the write cursor to the base of the next region, and moves the
// cursor there. Reports false if there is no next region.
func (w *regionWriter) advance() (bool, error) {
	if w.exhausted() || w.idx >= len(w.regions)-1 {
		return false, nil
	}
	next := w.regions[w.idx+1]
	jmp, err := encodeNearJump(w.currentAddress(), next.Base)
	if err != nil {
		return false, err
	}
	if err := w.regions[w.idx].Mem.WriteAt(w.offset, jmp); err != nil {
		return false, err
	}
	w.idx++
	w.offset = 0
	return true, nil
}

// forceWrite is write, then advance, repeated until success or regions are
// exhausted. It returns the address at which b actually landed.
func (w *regionWriter) forceWrite(b []byte) (uintptr, error) {
	for {
		if w.exhausted() {
			return 0, rwerror.NewRegion(rwerror.CapacityExhausted, rwerror.PhaseEmit, w.idx, "no region capacity remains")
		}
		addr := w.currentAddress()
		ok, err := w.write(b)
		if err != nil {
			return 0, err
		}
		if ok {
			return addr, nil
		}
		advanced, err := w.advance()
		if err != nil {
			return 0, err
		}
		if !advanced {
			return 0, rwerror.NewRegion(rwerror.CapacityExhausted, rwerror.PhaseEmit, w.idx, "no region capacity remains")
		}
	}
}

// patchAt writes b at an already-written absolute address, locating the
// owning region by range membership.
func (w *regionWriter) patchAt(addr uintptr, b []byte) error {
	for i := range w.regions {
		r := &w.regions[i]
		if addr < r.Base || addr >= r.Base+uintptr(r.Size) {
			continue
		}
		off := uint32(addr - r.Base)
		if uint64(off)+uint64(len(b)) > uint64(r.Size) {
			return rwerror.NewRegion(rwerror.DisplacementOverflow, rwerror.PhaseFixup, i, "patch overruns region bounds")
		}
		return r.Mem.WriteAt(off, b)
	}
	return rwerror.New(rwerror.UnresolvableTarget, rwerror.PhaseFixup, 0, "patch address is not within any registered region")
}

// encodeNearJump builds the 5-byte E9 (JMP rel32) inter-region jump from
// the instruction at from to the instruction at to.
func encodeNearJump(from, to uintptr) ([]byte, error) {
	delta := int64(to) - int64(from) - 5
	if delta < -(1<<31) || delta > (1<<31)-1 {
		return nil, rwerror.New(rwerror.DisplacementOverflow, rwerror.PhaseLayout, 0, "inter-region jump delta exceeds 32-bit range")
	}
	buf := make([]byte, 5)
	buf[0] = 0xE9
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(delta)))
	return buf, nil
}
