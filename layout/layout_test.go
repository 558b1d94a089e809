package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"peforge.dev/rewire/block"
	"peforge.dev/rewire/image"
	"peforge.dev/rewire/rwerror"
)

type byteRegion struct{ buf []byte }

func (r *byteRegion) WriteAt(off uint32, p []byte) error {
	if uint64(off)+uint64(len(p)) > uint64(len(r.buf)) {
		return fmt.Errorf("write at %d len %d overflows %d-byte region", off, len(p), len(r.buf))
	}
	copy(r.buf[off:], p)
	return nil
}

func newRegion(base uintptr, size uint32) Region {
	return Region{Base: base, Size: size, Mem: &byteRegion{buf: make([]byte, size)}}
}

func TestEmitNonRelativeBlockVerbatim(t *testing.T) {
	img := &image.Image{Data: []byte{0xC3}}
	cb := block.NewNonRelativeBlock(0x1000, 0, 1)
	list := &block.List{Code: []block.CodeBlock{cb}}

	codeRegions := []Region{newRegion(0x400000, 16)}
	e := NewEmitter(img, list, codeRegions, nil)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if list.Code[0].FinalVirtualAddress != 0x400000 {
		t.Errorf("FinalVirtualAddress = 0x%x, want 0x400000", list.Code[0].FinalVirtualAddress)
	}
	if list.Code[0].FinalSize != 1 {
		t.Errorf("FinalSize = %d, want 1", list.Code[0].FinalSize)
	}
	buf := codeRegions[0].Mem.(*byteRegion).buf
	if buf[0] != 0xC3 {
		t.Errorf("emitted byte = 0x%x, want 0xC3", buf[0])
	}
}

func TestEmitRIPRelativeMemoryPatchesDisplacement(t *testing.T) {
	// 48 8B 05 00 10 00 00: MOV RAX, [RIP+0x1000], at RVA 0x2000.
	// target = 0x2000 + 7 + 0x1000 = 0x3007, inside a data block at 0x3000.
	raw := []byte{0x48, 0x8B, 0x05, 0x00, 0x10, 0x00, 0x00}
	img := &image.Image{Data: raw}
	cb := block.NewRelativeBlock(0x2000, 0, 7)
	list := &block.List{
		Code: []block.CodeBlock{cb},
		Data: []block.DataBlock{{SourceRVA: 0x3000, VirtualSize: 0x100}},
	}

	codeRegions := []Region{newRegion(0x400000, 64)}
	dataRegions := []Region{newRegion(0x500000, 0x100)}
	e := NewEmitter(img, list, codeRegions, dataRegions)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantDisp := uint32(0x100000) // (0x500007 - 0x400000) - 7
	buf := codeRegions[0].Mem.(*byteRegion).buf
	gotDisp := binary.LittleEndian.Uint32(buf[3:7])
	if gotDisp != wantDisp {
		t.Errorf("patched displacement = 0x%x, want 0x%x", gotDisp, wantDisp)
	}
	if list.Data[0].FinalVirtualAddress != 0x500000 {
		t.Errorf("data FinalVirtualAddress = 0x%x, want 0x500000", list.Data[0].FinalVirtualAddress)
	}
}

func TestEmitForwardCallDrainsFixupOnTargetBlock(t *testing.T) {
	// blockA: E8 FB 0F 00 00 (CALL rel32 +0x0FFB) at RVA 0x1000, encoded so
	// its original target is 0x2000 (0x1000+5+0x0FFB).
	raw := []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00, 0xC3}
	img := &image.Image{Data: raw}
	blockA := block.NewRelativeBlock(0x1000, 0, 5)
	blockB := block.NewNonRelativeBlock(0x2000, 5, 1)
	list := &block.List{Code: []block.CodeBlock{blockA, blockB}}

	codeRegions := []Region{newRegion(0x400000, 64)}
	e := NewEmitter(img, list, codeRegions, nil)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if e.fixups.Len() != 0 {
		t.Fatalf("fixup queue not drained: %+v", e.fixups)
	}
	buf := codeRegions[0].Mem.(*byteRegion).buf
	if buf[0] != 0xE8 {
		t.Fatalf("opcode = 0x%x, want 0xE8", buf[0])
	}
	gotImm := int32(binary.LittleEndian.Uint32(buf[1:5]))
	// A is emitted at 0x400000 (5 bytes), B immediately follows at
	// 0x400005: end-relative delta = 0x400005 - (0x400000 + 5) = 0.
	if gotImm != 0 {
		t.Errorf("patched CALL immediate = %d, want 0", gotImm)
	}
}

func TestEmitAdvancesAcrossRegionsWithInterRegionJump(t *testing.T) {
	// Region 0 has only 3 usable bytes (8 total, 5 reserved for a jump
	// slot), too small for a 4-byte non-relative block, forcing advance().
	raw := []byte{0x90, 0x90, 0x90, 0x90}
	img := &image.Image{Data: raw}
	cb := block.NewNonRelativeBlock(0x1000, 0, 4)
	list := &block.List{Code: []block.CodeBlock{cb}}

	codeRegions := []Region{
		newRegion(0x400000, 8),
		newRegion(0x500000, 16),
	}
	e := NewEmitter(img, list, codeRegions, nil)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if list.Code[0].FinalVirtualAddress != 0x500000 {
		t.Errorf("FinalVirtualAddress = 0x%x, want 0x500000 (second region)", list.Code[0].FinalVirtualAddress)
	}
	buf0 := codeRegions[0].Mem.(*byteRegion).buf
	if buf0[0] != 0xE9 {
		t.Fatalf("expected inter-region JMP opcode at region 0 offset 0, got 0x%x", buf0[0])
	}
	imm := int32(binary.LittleEndian.Uint32(buf0[1:5]))
	if imm != int32(0x500000-0x400000-5) {
		t.Errorf("inter-region jump immediate = %d, want %d", imm, int32(0x500000-0x400000-5))
	}
}

func TestEmitDataBlockZerofillsTail(t *testing.T) {
	img := &image.Image{Data: []byte{0xAA, 0xBB}}
	list := &block.List{
		Data: []block.DataBlock{{SourceRVA: 0x3000, SourceFileOffset: 0, FileSize: 2, VirtualSize: 8}},
	}
	dataRegions := []Region{newRegion(0x500000, 16)}
	e := NewEmitter(img, list, nil, dataRegions)
	if err := e.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	buf := dataRegions[0].Mem.(*byteRegion).buf
	if buf[0] != 0xAA || buf[1] != 0xBB {
		t.Fatalf("copied bytes = % x, want aa bb", buf[:2])
	}
	for i := 2; i < 8; i++ {
		if buf[i] != 0 {
			t.Fatalf("buf[%d] = 0x%x, want zero-filled tail", i, buf[i])
		}
	}
}

func TestEmitBackwardTargetIntoRelativeBlockInteriorFails(t *testing.T) {
	// blockA: 48 8B 05 00 20 00 00 (MOV RAX, [RIP+0x2000]) at RVA 0x1000,
	// target = 0x1000 + 7 + 0x2000 = 0x3007, inside a data block — resolves
	// cleanly, so blockA is fully emitted before blockB is considered.
	//
	// blockB: E8 F7 FF FF FF (CALL rel32 -9) at RVA 0x1007, target =
	// 0x1007 + 5 + (-9) = 0x1003 — the middle of blockA's single relative
	// instruction, not blockA.VirtualOffset itself, which spec.md §8
	// requires to be UnresolvableTarget rather than a guessed sub-block
	// offset.
	raw := []byte{
		0x48, 0x8B, 0x05, 0x00, 0x20, 0x00, 0x00, // blockA
		0xE8, 0xF7, 0xFF, 0xFF, 0xFF, // blockB
	}
	img := &image.Image{Data: raw}
	blockA := block.NewRelativeBlock(0x1000, 0, 7)
	blockB := block.NewRelativeBlock(0x1007, 7, 5)
	list := &block.List{
		Code: []block.CodeBlock{blockA, blockB},
		Data: []block.DataBlock{{SourceRVA: 0x3000, VirtualSize: 0x100}},
	}

	codeRegions := []Region{newRegion(0x400000, 64)}
	dataRegions := []Region{newRegion(0x500000, 0x100)}
	e := NewEmitter(img, list, codeRegions, dataRegions)
	err := e.Run()
	if err == nil {
		t.Fatal("expected UnresolvableTarget error, got nil")
	}
	var rerr *rwerror.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error is not *rwerror.Error: %v", err)
	}
	if rerr.Kind != rwerror.UnresolvableTarget {
		t.Errorf("Kind = %v, want UnresolvableTarget", rerr.Kind)
	}
}

func TestEmitFailsWhenRegionsTooSmall(t *testing.T) {
	img := &image.Image{Data: []byte{0xC3}}
	cb := block.NewNonRelativeBlock(0x1000, 0, 1)
	list := &block.List{Code: []block.CodeBlock{cb}}
	codeRegions := []Region{newRegion(0x400000, 0)}
	e := NewEmitter(img, list, codeRegions, nil)
	if err := e.Run(); err == nil {
		t.Fatal("expected CapacityExhausted error, got nil")
	}
}
