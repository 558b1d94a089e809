// Package disasm implements the recursive-descent walk described in spec
// §4.D: starting from the exception directory's begin RVAs, it decodes
// instructions, classifies runs of bytes into relative/non-relative code
// blocks, and follows CALL/branch targets until every reachable seed has
// been walked.
package disasm

import (
	"peforge.dev/rewire/block"
	"peforge.dev/rewire/codec"
	"peforge.dev/rewire/image"
	"peforge.dev/rewire/rwerror"
)

// Stats summarizes one disassembly run, used by the CLI's dump output the
// way the teacher's module package prints structural summaries.
type Stats struct {
	Seeds        int
	WalksAborted int
	CodeBlocks   int
	DataBlocks   int
}

// Run walks img from every exception-directory begin RVA and returns the
// resulting block list. Decode failures abort only the walk in which they
// occur (spec §4.D step 4, Open Question 1: a failed walk's remaining bytes
// are treated as neither data nor code — the walk simply stops there,
// leaving whatever instructions were already decoded as a non-relative
// block, which is the least surprising choice: partially-decoded bytes are
// never silently reinterpreted as a different kind of content).
func Run(img *image.Image) (*block.List, Stats, error) {
	list := &block.List{}
	var stats Stats

	for i := range img.Sections {
		s := &img.Sections[i]
		if s.VirtualSize == 0 || s.IsCodeSection() || !s.Readable() {
			continue
		}
		list.Data = append(list.Data, block.DataBlock{
			SourceRVA:        s.VirtualAddress,
			SourceFileOffset: s.PointerToRawData,
			FileSize:         s.SizeOfRawData,
			VirtualSize:      s.VirtualSize,
		})
	}

	seen := make(map[uint32]bool)
	var stack []uint32
	for _, rf := range img.Exceptions {
		if rf.BeginAddress == rf.EndAddress {
			// A .pdata entry covering 0 bytes emits no blocks for that
			// entry without error (spec §8, boundary cases).
			continue
		}
		stack = append(stack, rf.BeginAddress)
		stats.Seeds++
	}

	for len(stack) > 0 {
		rva := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[rva] {
			continue
		}
		seen[rva] = true

		targets, err := walk(img, list, rva)
		if err != nil {
			stats.WalksAborted++
			continue
		}
		for _, t := range targets {
			if !seen[t] {
				stack = append(stack, t)
			}
		}
	}

	if err := list.SortAndVerify(); err != nil {
		return nil, stats, rwerror.Wrap(rwerror.ParseError, rwerror.PhaseDisassemble, 0, err)
	}
	stats.CodeBlocks = len(list.Code)
	stats.DataBlocks = len(list.Data)
	return list, stats, nil
}

// walk decodes instructions starting at rva until an exit point (RET,
// INTERRUPT, or unconditional branch) or a decode failure, appending
// code blocks to list and returning any newly discovered branch targets.
func walk(img *image.Image, list *block.List, rva uint32) ([]uint32, error) {
	var targets []uint32
	var cur openBlock // zero value: no bytes accumulated yet

	for {
		off, ok := img.RVAToFileOffset(rva)
		if !ok {
			closeNonRelative(list, &cur)
			return targets, rwerror.Newf(rwerror.DecodeError, rwerror.PhaseDisassemble, rva, "rva not mapped to file offset")
		}
		if cur.size == 0 {
			cur.rva, cur.fileOff = rva, off
		}
		maxLen := 15
		if rem := len(img.Data) - int(off); rem < maxLen {
			maxLen = rem
		}
		if maxLen <= 0 {
			closeNonRelative(list, &cur)
			return targets, rwerror.Newf(rwerror.DecodeError, rwerror.PhaseDisassemble, rva, "no bytes remaining to decode")
		}
		d, err := codec.Decode(img.Data[off : off+uint32(maxLen)])
		if err != nil {
			closeNonRelative(list, &cur)
			return targets, rwerror.Wrap(rwerror.DecodeError, rwerror.PhaseDisassemble, rva, err)
		}

		if d.Category == codec.Call || d.Category == codec.UncondBranch || d.Category == codec.CondBranch {
			if d.IsRelative && d.RIPDispOffset == 0 {
				target := rva + uint32(d.Len) + uint32(d.BranchDelta)
				targets = append(targets, target)
			}
		}

		if d.IsRelative {
			closeNonRelative(list, &cur)
			rb := block.NewRelativeBlock(rva, off, uint32(d.Len))
			list.Code = append(list.Code, rb)
			rva += uint32(d.Len)
			cur = openBlock{}
		} else {
			cur.size += uint32(d.Len)
			rva += uint32(d.Len)
		}

		if d.Category == codec.Ret || d.Category == codec.Interrupt ||
			(d.Category == codec.UncondBranch && !isUnresolvedIndirect(d)) {
			closeNonRelative(list, &cur)
			return targets, nil
		}
	}
}

// isUnresolvedIndirect reports whether an unconditional branch is an
// indirect jump (e.g. JMP [rax], a jump table dispatch): such a branch still
// ends the walk (it is, semantically, an exit point — spec §4.D step 5 does
// not distinguish direct from indirect JMP), so this always returns false
// for the walker's purposes today. It exists as a named hook because a
// future jump-table-aware walk would need to special-case it here rather
// than at every call site.
func isUnresolvedIndirect(d codec.Decoded) bool { return false }

type openBlock struct {
	rva, fileOff uint32
	size         uint32
}

func closeNonRelative(list *block.List, ob *openBlock) {
	if ob.size == 0 {
		return
	}
	list.Code = append(list.Code, block.NewNonRelativeBlock(ob.rva, ob.fileOff, ob.size))
	*ob = openBlock{}
}
