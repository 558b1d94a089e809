package layout

import (
	"container/heap"
	"encoding/binary"

	"peforge.dev/rewire/block"
	"peforge.dev/rewire/codec"
	"peforge.dev/rewire/image"
	"peforge.dev/rewire/rwerror"
)

// Emitter drives spec §4.E: data emission, then code emission in ascending
// RVA order, draining forward fixups as their targets become resolvable.
type Emitter struct {
	img  *image.Image
	list *block.List

	code   *regionWriter
	data   *regionWriter
	fixups fixupHeap
}

// NewEmitter builds an Emitter over img and list, writing data into
// dataRegions and code into codeRegions, each in the order supplied.
func NewEmitter(img *image.Image, list *block.List, codeRegions, dataRegions []Region) *Emitter {
	return &Emitter{
		img:  img,
		list: list,
		code: newRegionWriter(codeRegions, true),
		data: newRegionWriter(dataRegions, false),
	}
}

// Run emits every data block, then every code block, then asserts the
// fixup queue has fully drained (spec §8 invariant 3).
func (e *Emitter) Run() error {
	if err := e.emitData(); err != nil {
		return err
	}
	if err := e.emitCode(); err != nil {
		return err
	}
	if e.fixups.Len() != 0 {
		return rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseFixup, e.fixups[0].targetRVA,
			"fixup queue non-empty after emission completed")
	}
	return nil
}

func (e *Emitter) emitData() error {
	for i := range e.list.Data {
		db := &e.list.Data[i]
		buf := make([]byte, db.VirtualSize)
		n := db.CopySize()
		if n > 0 {
			copy(buf[:n], e.img.Data[db.SourceFileOffset:uint64(db.SourceFileOffset)+uint64(n)])
		}
		addr := e.data.currentAddress()
		ok, err := e.data.write(buf)
		if err != nil {
			return err
		}
		if !ok {
			return rwerror.NewRegion(rwerror.CapacityExhausted, rwerror.PhaseEmit, e.data.idx, "data region lacks space; no cross-region fallback")
		}
		db.FinalVirtualAddress = addr
		db.Emitted = true
	}
	return nil
}

func (e *Emitter) emitCode() error {
	for i := range e.list.Code {
		cb := &e.list.Code[i]
		if cb.Class == block.NonRelative {
			if err := e.emitNonRelative(i); err != nil {
				return err
			}
		} else {
			if err := e.emitRelative(i); err != nil {
				return err
			}
		}
		if err := e.drainFixups(cb); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) emitNonRelative(i int) error {
	cb := &e.list.Code[i]
	orig := e.img.Data[cb.FileOffset : uint64(cb.FileOffset)+uint64(cb.OriginalSize)]
	addr, err := e.code.forceWrite(orig)
	if err != nil {
		return err
	}
	cb.FinalVirtualAddress = addr
	cb.FinalSize = cb.OriginalSize
	cb.Emitted = true
	return nil
}

// emitRelative implements the relative-block case of spec §4.E's code
// emission step: locate the target delta field, compute the adjusted
// delta, re-encode or patch in place, and emit.
func (e *Emitter) emitRelative(i int) error {
	cb := &e.list.Code[i]
	raw := e.img.Data[cb.FileOffset : uint64(cb.FileOffset)+uint64(cb.OriginalSize)]
	d, err := codec.Decode(raw)
	if err != nil {
		return rwerror.Wrap(rwerror.DecodeError, rwerror.PhaseLayout, cb.VirtualOffset, err)
	}

	// A memory-indirect CALL/JMP [RIP+disp] is relative through its memory
	// operand, not a branch immediate, so it takes the RIP-memory path.
	isBranch := (d.Category == codec.Call || d.Category == codec.UncondBranch || d.Category == codec.CondBranch) &&
		d.RIPDispOffset == 0
	var sourceDelta int32
	if isBranch {
		sourceDelta = d.BranchDelta
	} else {
		sourceDelta = d.RIPDisp
	}
	targetRVA := cb.VirtualOffset + uint32(d.Len) + uint32(sourceDelta)

	delta, resolved, err := e.calculateAdjustedTargetDelta(i, targetRVA, e.code.currentAddress())
	if err != nil {
		return err
	}

	if isBranch {
		return e.emitBranch(cb, d, targetRVA, delta, resolved)
	}
	return e.emitRIPMemory(cb, d, raw, targetRVA, delta, resolved)
}

// calculateAdjustedTargetDelta implements spec §4.E step 2.
func (e *Emitter) calculateAdjustedTargetDelta(curIdx int, targetRVA uint32, currentWriteAddr uintptr) (delta int64, resolved bool, err error) {
	cb := &e.list.Code[curIdx]

	if di := e.list.RVAToDataBlock(targetRVA); di >= 0 {
		db := &e.list.Data[di]
		if !db.Emitted {
			return 0, false, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseLayout, targetRVA, "data target not yet emitted")
		}
		targetAddr := db.FinalVirtualAddress + uintptr(targetRVA-db.SourceRVA)
		return int64(targetAddr) - int64(currentWriteAddr), true, nil
	}

	if targetRVA < cb.VirtualOffset {
		for i := curIdx; i >= 0; i-- {
			other := &e.list.Code[i]
			if !other.Contains(targetRVA) {
				continue
			}
			if !other.Emitted {
				return 0, false, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseLayout, targetRVA, "backward target's block not yet emitted")
			}
			if other.Class == block.Relative && targetRVA != other.VirtualOffset {
				return 0, false, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseLayout, targetRVA, "backward target lands mid relative instruction")
			}
			targetAddr := other.FinalVirtualAddress + uintptr(targetRVA-other.VirtualOffset)
			return int64(targetAddr) - int64(currentWriteAddr), true, nil
		}
		return 0, false, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseLayout, targetRVA, "backward target outside all known blocks")
	}

	ti := e.list.RVAToCodeBlock(targetRVA)
	if ti < 0 {
		return 0, false, rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseLayout, targetRVA, "forward target outside all known code blocks")
	}
	var sum int64
	for i := curIdx; i <= ti; i++ {
		sum += int64(e.list.Code[i].ExpectedSize)
	}
	return sum, false, nil
}

func (e *Emitter) emitBranch(cb *block.CodeBlock, d codec.Decoded, targetRVA uint32, delta int64, resolved bool) error {
	eb, err := codec.EncodeBranch(d, delta)
	if err != nil {
		return err
	}
	addr, err := e.code.forceWrite(eb.Bytes)
	if err != nil {
		return err
	}
	cb.FinalVirtualAddress = addr
	cb.FinalSize = uint32(len(eb.Bytes))
	cb.Emitted = true
	if !resolved {
		e.pushFixup(fixup{
			instrAddr:   addr,
			instrLen:    len(eb.Bytes),
			patchOffset: eb.PatchOffset,
			patchWidth:  eb.OperandSize,
			targetRVA:   targetRVA,
		})
	}
	return nil
}

func (e *Emitter) emitRIPMemory(cb *block.CodeBlock, d codec.Decoded, raw []byte, targetRVA uint32, delta int64, resolved bool) error {
	// The adjusted delta is measured from the start of the new instruction,
	// but the codec's displacement is end-relative, so subtract the
	// instruction length before encoding (spec §4.E step 3).
	adjusted := delta - int64(d.Len)
	if adjusted < -(1<<31) || adjusted > (1<<31)-1 {
		return rwerror.Newf(rwerror.DisplacementOverflow, rwerror.PhaseLayout, cb.VirtualOffset, "rip-relative displacement exceeds 32-bit range")
	}
	out := append([]byte(nil), raw...)
	if resolved {
		binary.LittleEndian.PutUint32(out[d.RIPDispOffset:], uint32(int32(adjusted)))
	}
	addr, err := e.code.forceWrite(out)
	if err != nil {
		return err
	}
	cb.FinalVirtualAddress = addr
	cb.FinalSize = uint32(len(out))
	cb.Emitted = true
	if !resolved {
		e.pushFixup(fixup{
			instrAddr:   addr,
			instrLen:    d.Len,
			patchOffset: d.RIPDispOffset,
			patchWidth:  4,
			targetRVA:   targetRVA,
		})
	}
	return nil
}

func (e *Emitter) pushFixup(f fixup) { heap.Push(&e.fixups, f) }

// drainFixups pops and patches every queued fixup whose target falls
// within or before the block just emitted (spec §4.E, "forward-fixup
// draining").
func (e *Emitter) drainFixups(cb *block.CodeBlock) error {
	for e.fixups.Len() > 0 && e.fixups[0].targetRVA < cb.End() {
		f := heap.Pop(&e.fixups).(fixup)
		targetAddr, ok := e.list.FinalAddress(f.targetRVA)
		if !ok {
			return rwerror.Newf(rwerror.UnresolvableTarget, rwerror.PhaseFixup, f.targetRVA, "fixup target unresolved after its owning block was emitted")
		}
		delta := int64(targetAddr) - int64(f.instrAddr) - int64(f.instrLen)
		if !fitsWidth(delta, f.patchWidth) {
			return rwerror.Newf(rwerror.DisplacementOverflow, rwerror.PhaseFixup, f.targetRVA,
				"patched delta does not fit in %d byte(s); expected-size ceiling was too low", f.patchWidth)
		}
		if err := e.code.patchAt(f.instrAddr+uintptr(f.patchOffset), encodeSigned(delta, f.patchWidth)); err != nil {
			return err
		}
	}
	return nil
}
