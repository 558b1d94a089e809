package codec

import (
	"encoding/binary"

	"peforge.dev/rewire/rwerror"
)

// BranchForm identifies which encoding reencode_relative_branch picked.
type BranchForm uint8

const (
	FormShort BranchForm = iota // rel8
	FormNear                    // rel32
)

// EncodedBranch is the result of re-encoding a CALL/JMP/Jcc instruction to a
// (possibly different) width, per spec §4.E step 4.
type EncodedBranch struct {
	Bytes []byte
	Form  BranchForm
	// PatchOffset is the byte offset, within Bytes, of the displacement
	// field (encoded_length - operand_size).
	PatchOffset int
	// OperandSize is the width of the displacement field in bytes (1 or 4).
	OperandSize int
}

// prefixCount returns popcount(request.prefixes): the number of prefixes the
// decoder reported on the original branch, which appendPrefixes re-emits
// ahead of the new opcode. It is kept as an explicit quantity, named the way
// spec §4.E names it, so the short/near threshold arithmetic below reads the
// same as the algorithm it implements.
func prefixCount(d Decoded) int {
	n := 0
	for _, p := range d.Inst.Prefix {
		if p == 0 {
			break
		}
		n++
	}
	return n
}

// EncodeBranch implements reencode_relative_branch: given the decoded
// original instruction and the adjusted target delta (measured from the
// start of the new instruction), produce the bytes for the narrowest form
// that fits, preferring short (rel8) over near (rel32).
func EncodeBranch(d Decoded, delta int64) (EncodedBranch, error) {
	p := prefixCount(d)

	if d.Category != Call {
		predicted := p + 2
		if fits8(delta - int64(predicted)) {
			imm := int8(delta - int64(predicted))
			buf := make([]byte, 0, predicted)
			buf = appendPrefixes(buf, d)
			buf = append(buf, shortOpcode(d)...)
			buf = append(buf, byte(imm))
			if len(buf) != predicted {
				return EncodedBranch{}, rwerror.New(rwerror.EncoderMismatch, rwerror.PhaseEmit, 0, "short branch length mismatch")
			}
			return EncodedBranch{Bytes: buf, Form: FormShort, PatchOffset: predicted - 1, OperandSize: 1}, nil
		}
	}

	if d.Category == CondBranch {
		predicted := p + 6
		if fits32(delta - int64(predicted)) {
			imm := int32(delta - int64(predicted))
			buf := make([]byte, 0, predicted)
			buf = appendPrefixes(buf, d)
			buf = append(buf, nearJccOpcode(d)...)
			buf = appendInt32(buf, imm)
			if len(buf) != predicted {
				return EncodedBranch{}, rwerror.New(rwerror.EncoderMismatch, rwerror.PhaseEmit, 0, "near Jcc length mismatch")
			}
			return EncodedBranch{Bytes: buf, Form: FormNear, PatchOffset: predicted - 4, OperandSize: 4}, nil
		}
		return EncodedBranch{}, rwerror.New(rwerror.DisplacementOverflow, rwerror.PhaseEmit, 0, "Jcc delta exceeds 32-bit range")
	}

	// JMP or CALL, near form.
	predicted := p + 5
	if !fits32(delta - int64(predicted)) {
		return EncodedBranch{}, rwerror.New(rwerror.DisplacementOverflow, rwerror.PhaseEmit, 0, "branch delta exceeds 32-bit range")
	}
	imm := int32(delta - int64(predicted))
	buf := make([]byte, 0, predicted)
	buf = appendPrefixes(buf, d)
	buf = append(buf, nearJmpCallOpcode(d)...)
	buf = appendInt32(buf, imm)
	if len(buf) != predicted {
		return EncodedBranch{}, rwerror.New(rwerror.EncoderMismatch, rwerror.PhaseEmit, 0, "near branch length mismatch")
	}
	return EncodedBranch{Bytes: buf, Form: FormNear, PatchOffset: predicted - 4, OperandSize: 4}, nil
}

func fits8(v int64) bool  { return v >= -128 && v <= 127 }
func fits32(v int64) bool { return v >= -(1<<31) && v <= (1<<31)-1 }

func appendPrefixes(buf []byte, d Decoded) []byte {
	for _, p := range d.Inst.Prefix {
		if p == 0 {
			break
		}
		buf = append(buf, byte(p))
	}
	return buf
}

func appendInt32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

// shortOpcode returns the opcode byte(s) for the rel8 form: 0xEB for JMP,
// 0x70+cc for Jcc. CALL has no short form (spec §4.E: "only if not CALL").
func shortOpcode(d Decoded) []byte {
	if d.Category == UncondBranch {
		return []byte{0xEB}
	}
	return []byte{0x70 | jccCondition(d)}
}

// nearJmpCallOpcode returns the opcode byte for the rel32 JMP/CALL form:
// 0xE9 for JMP, 0xE8 for CALL.
func nearJmpCallOpcode(d Decoded) []byte {
	if d.Category == Call {
		return []byte{0xE8}
	}
	return []byte{0xE9}
}

// nearJccOpcode returns the two-byte rel32 Jcc opcode: 0x0F, 0x80+cc.
func nearJccOpcode(d Decoded) []byte {
	return []byte{0x0F, 0x80 | jccCondition(d)}
}

// jccCondition maps a decoded Jcc instruction's Op to its 4-bit condition
// code, matching both the 0x70+cc (short) and 0x0F 0x80+cc (near) opcode
// families (the Intel condition-code ordering).
func jccCondition(d Decoded) byte {
	switch opName(d) {
	case "JO":
		return 0x0
	case "JNO":
		return 0x1
	case "JB":
		return 0x2
	case "JAE":
		return 0x3
	case "JE":
		return 0x4
	case "JNE":
		return 0x5
	case "JBE":
		return 0x6
	case "JA":
		return 0x7
	case "JS":
		return 0x8
	case "JNS":
		return 0x9
	case "JP":
		return 0xA
	case "JNP":
		return 0xB
	case "JL":
		return 0xC
	case "JGE":
		return 0xD
	case "JLE":
		return 0xE
	case "JG":
		return 0xF
	default:
		return 0
	}
}

func opName(d Decoded) string { return d.Inst.Op.String() }
