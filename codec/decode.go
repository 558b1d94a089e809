// Package codec wraps the external instruction decoder/encoder the rewriter
// depends on (spec §4.B). Decoding uses golang.org/x/arch/x86/x86asm, the
// same decoder the pack's wdamron-x64/disasm package wraps. Re-encoding the
// narrow set of branch forms this rewriter needs (JMP/CALL/Jcc, rel8/rel32)
// is hand-written, matching the teacher's own style of hand-rolling binary
// encoding rather than reaching for a full assembler — see DESIGN.md.
package codec

import (
	"golang.org/x/arch/x86/x86asm"

	"peforge.dev/rewire/rwerror"
)

// Category classifies a decoded instruction for the disassembler's exit and
// enqueue logic (spec §4.D).
type Category uint8

const (
	Other Category = iota
	Call
	UncondBranch
	CondBranch
	Ret
	Interrupt
)

// Decoded is the structured form of one decoded instruction: spec §4.B's
// (length, attributes, operands, category, raw_displacement_offset) tuple.
type Decoded struct {
	Inst     x86asm.Inst
	Len      int
	Category Category

	// IsRelative is true for a branch with an immediate target, or a
	// memory operand with a RIP base.
	IsRelative bool
	// HasModRM corresponds to the attribute named in spec §4.B, but it is
	// set only for instructions with a RIP-relative memory operand; other
	// ModRM-encoded instructions leave it false. It is not used for
	// control flow here (IsRelative/Category already capture what the
	// disassembler and emitter need).
	HasModRM bool

	// BranchDelta is the raw, end-relative signed displacement encoded in
	// a branch instruction's immediate (valid when Category is Call,
	// UncondBranch, or CondBranch and the instruction is relative through
	// that immediate). A memory-indirect branch such as CALL [RIP+disp]
	// is relative through its memory operand instead: BranchDelta is 0
	// and RIPDispOffset is non-zero.
	BranchDelta int32

	// RIPDispOffset is the byte offset, within the instruction, of the
	// 4-byte RIP-relative memory displacement (valid when the instruction
	// has a RIP-relative memory operand).
	RIPDispOffset int
	RIPDisp       int32
}

// Decode decodes one instruction from the front of src (x86-64 mode).
func Decode(src []byte) (Decoded, error) {
	inst, err := x86asm.Decode(src, 64)
	if err != nil {
		return Decoded{}, err
	}
	if inst.Op == 0 {
		// x86asm reports a truncated or invalid sequence as a one-byte
		// prefix-only pseudo-instruction with no error; treat it as a
		// decode failure.
		return Decoded{}, rwerror.New(rwerror.DecodeError, rwerror.PhaseDisassemble, 0,
			"truncated or unrecognized instruction")
	}
	d := Decoded{Inst: inst, Len: inst.Len}
	d.Category = categorize(inst)

	if isRel, delta := relBranchDelta(inst); isRel && d.Category != Other {
		d.IsRelative = true
		d.BranchDelta = delta
	}
	if off, disp, ok := ripDisplacement(src[:inst.Len], inst); ok {
		if d.IsRelative {
			// Impossible on x86-64: a single instruction cannot have both a
			// relative branch target and a RIP-relative memory operand
			// (spec §4.D, classification tie-break).
			return Decoded{}, rwerror.New(rwerror.DecodeError, rwerror.PhaseDisassemble, 0,
				"instruction has both a relative branch target and a RIP-relative memory operand")
		}
		d.IsRelative = true
		d.RIPDispOffset = off
		d.RIPDisp = disp
		d.HasModRM = true
	}
	return d, nil
}

func categorize(inst x86asm.Inst) Category {
	switch inst.Op {
	case x86asm.CALL:
		return Call
	case x86asm.JMP:
		return UncondBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return CondBranch
	case x86asm.RET:
		return Ret
	case x86asm.INT, x86asm.INTO:
		return Interrupt
	default:
		// JCXZ/JECXZ/JRCXZ and LOOP* have a relative rel8 target but no
		// rel32 encoding exists for them, so they cannot be promoted from
		// short to near form the way JMP/CALL/Jcc can (spec's Non-goal on
		// exotic control flow). They are deliberately left classified
		// Other and are never treated as Relative blocks: their bytes are
		// copied verbatim like any other non-relative instruction, which
		// is correct as long as the block containing them is never split
		// apart from its target delta (true here, since Other never
		// triggers IsRelative).
		return Other
	}
}

// relBranchDelta reports whether inst has a single x86asm.Rel argument (the
// immediate form of CALL/JMP/Jcc) and returns its value.
func relBranchDelta(inst x86asm.Inst) (bool, int32) {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return true, int32(rel)
		}
	}
	return false, 0
}

// ripDisplacement reports whether inst addresses memory via a RIP-relative
// operand and, if so, the byte offset (within raw) of its 4-byte
// displacement field and the displacement value itself.
//
// x86asm.Inst reports the decoded displacement but not its byte offset, so
// the offset is found by independently walking the legacy/REX prefixes and
// the opcode to the ModRM byte (RIP-relative addressing is always
// mod=00,rm=101 with a disp32 and no SIB, so once the ModRM byte is located
// the displacement field's position follows immediately — regardless of any
// trailing immediate operand, which is why this doesn't work backward from
// the instruction's total length).
func ripDisplacement(raw []byte, inst x86asm.Inst) (offset int, disp int32, ok bool) {
	var mem x86asm.Mem
	found := false
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if m, isMem := a.(x86asm.Mem); isMem && m.Base == x86asm.RIP {
			mem = m
			found = true
			break
		}
	}
	if !found {
		return 0, 0, false
	}
	off, ok := ripModRMEnd(raw)
	if !ok {
		return 0, 0, false
	}
	return off, int32(mem.Disp), true
}

func isLegacyPrefixByte(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	default:
		return false
	}
}

// ripModRMEnd returns the offset immediately following the ModRM byte,
// i.e. the start of the disp32 field, for the narrow set of legacy-encoded
// (non-VEX/EVEX) instructions this rewriter supports.
func ripModRMEnd(raw []byte) (int, bool) {
	i := 0
	for i < len(raw) && isLegacyPrefixByte(raw[i]) {
		i++
	}
	if i < len(raw) && raw[i] >= 0x40 && raw[i] <= 0x4F {
		i++ // REX prefix
	}
	if i >= len(raw) {
		return 0, false
	}
	switch raw[i] {
	case 0xC4, 0xC5, 0x62:
		// VEX/EVEX-encoded instructions are out of scope (Non-goal: exotic
		// operand forms beyond the documented CALL/Jcc/JMP-rel/RIP-mem
		// subset).
		return 0, false
	case 0x0F:
		i++
		if i < len(raw) && (raw[i] == 0x38 || raw[i] == 0x3A) {
			i++
		}
		i++
	default:
		i++
	}
	if i >= len(raw) {
		return 0, false
	}
	modrm := raw[i]
	mod := modrm >> 6
	rm := modrm & 7
	i++
	if mod == 0 && rm == 5 {
		return i, true
	}
	return 0, false
}
