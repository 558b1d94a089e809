// Package block holds the in-memory entities the rewriter operates on:
// CodeBlock, DataBlock, and Symbol, plus the invariants and RVA lookup
// helpers shared by the disassembler and the emitter.
package block

// Classification distinguishes the two kinds of code block. A Block is
// either Code or Data, and a Code block is either Relative or NonRelative:
// two tagged enumerations rather than a class hierarchy (see DESIGN.md,
// "Dynamic dispatch").
type Classification uint8

const (
	// NonRelative blocks hold zero or more instructions, none of which is
	// RIP-relative. They are copied byte-for-byte at emission.
	NonRelative Classification = iota
	// Relative blocks hold exactly one RIP-relative instruction (a branch
	// with an immediate target, or a memory operand with a RIP base).
	Relative
)

func (c Classification) String() string {
	if c == Relative {
		return "relative"
	}
	return "non-relative"
}

// CodeBlock is a contiguous run of original bytes that will be emitted to
// the target. See spec §3 for the invariants this type must uphold:
//
//  1. a Relative block contains exactly one RIP-relative instruction.
//  2. a NonRelative block contains zero or more non-RIP-relative
//     instructions.
//  3. blocks are stored in increasing-RVA order with disjoint ranges.
//  4. for a Relative block, ExpectedSize >= OriginalSize.
//  5. once emitted, FinalSize <= ExpectedSize.
type CodeBlock struct {
	VirtualOffset  uint32 // original RVA
	FileOffset     uint32 // original file offset
	OriginalSize   uint32 // original size in bytes
	Class          Classification
	ExpectedSize   uint32 // pessimistic upper bound on emitted size

	// Populated once the block has been emitted.
	Emitted            bool
	FinalVirtualAddress uintptr
	FinalSize           uint32
}

// SizeGrowthCeiling is the worst-case growth budgeted for a single relative
// instruction re-encode: a short branch growing to near form costs at most
// 3 extra bytes (rel8 -> rel32 for JMP/CALL) or 4 (Jcc rel8 -> rel32, which
// also grows the opcode by one byte), so +32 is a deliberately generous
// ceiling, not a tight bound (see DESIGN NOTES §9, "Pessimistic sizing").
const SizeGrowthCeiling = 32

// NewRelativeBlock builds a Relative code block with the expected-size
// ceiling applied.
func NewRelativeBlock(virtualOffset, fileOffset, originalSize uint32) CodeBlock {
	return CodeBlock{
		VirtualOffset: virtualOffset,
		FileOffset:    fileOffset,
		OriginalSize:  originalSize,
		Class:         Relative,
		ExpectedSize:  originalSize + SizeGrowthCeiling,
	}
}

// NewNonRelativeBlock builds a NonRelative code block. Its expected size
// equals its original size: non-relative blocks are copied verbatim, never
// re-encoded, so there is no growth to budget for.
func NewNonRelativeBlock(virtualOffset, fileOffset, originalSize uint32) CodeBlock {
	return CodeBlock{
		VirtualOffset: virtualOffset,
		FileOffset:    fileOffset,
		OriginalSize:  originalSize,
		Class:         NonRelative,
		ExpectedSize:  originalSize,
	}
}

// End returns the RVA one past the end of the block.
func (b *CodeBlock) End() uint32 { return b.VirtualOffset + b.OriginalSize }

// Contains reports whether rva falls within [VirtualOffset, End()).
func (b *CodeBlock) Contains(rva uint32) bool {
	return rva >= b.VirtualOffset && rva < b.End()
}

// DataBlock is one non-executable section of the source image.
type DataBlock struct {
	SourceRVA        uint32
	SourceFileOffset uint32
	FileSize         uint32 // bytes present on disk
	VirtualSize      uint32 // bytes in memory; may exceed FileSize (zero-filled tail)

	Emitted             bool
	FinalVirtualAddress uintptr
}

// End returns the RVA one past the end of the block's virtual range.
func (d *DataBlock) End() uint32 { return d.SourceRVA + d.VirtualSize }

// Contains reports whether rva falls within [SourceRVA, End()).
func (d *DataBlock) Contains(rva uint32) bool {
	return rva >= d.SourceRVA && rva < d.End()
}

// CopySize is the number of bytes that must be copied from the source file,
// the rest of VirtualSize being zero-filled.
func (d *DataBlock) CopySize() uint32 {
	if d.FileSize < d.VirtualSize {
		return d.FileSize
	}
	return d.VirtualSize
}

// SymbolKind distinguishes the two symbol variants used by the optional
// authoring API (package builder). The disassembly path never constructs a
// Symbol: it identifies references by RVA and resolves them through the
// block-list lookups in this package.
type SymbolKind uint8

const (
	SymbolInvalid SymbolKind = iota
	SymbolCode
	SymbolData
)

// Symbol is a named reference to a memory address not known until emission.
type Symbol struct {
	ID   uint32
	Kind SymbolKind
	Name string

	// Valid only when Kind == SymbolCode.
	CodeBlockIndex int

	// Valid only when Kind == SymbolData.
	DataBlockIndex int
	DataOffset     uint32
}
