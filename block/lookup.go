package block

import "sort"

// List holds the disassembler's output: the sorted code blocks and the data
// blocks materialized from the image's non-executable sections.
type List struct {
	Code []CodeBlock
	Data []DataBlock
}

// SortAndVerify sorts Code by VirtualOffset and asserts the ranges are
// disjoint (spec §4.D, "Block ordering": the disassembler may emit blocks in
// walk order; this post-pass sorts and asserts non-overlap).
func (l *List) SortAndVerify() error {
	sort.Slice(l.Code, func(i, j int) bool { return l.Code[i].VirtualOffset < l.Code[j].VirtualOffset })
	for i := 1; i < len(l.Code); i++ {
		prev, cur := &l.Code[i-1], &l.Code[i]
		if cur.VirtualOffset < prev.End() {
			return &overlapError{prevRVA: prev.VirtualOffset, curRVA: cur.VirtualOffset}
		}
	}
	sort.Slice(l.Data, func(i, j int) bool { return l.Data[i].SourceRVA < l.Data[j].SourceRVA })
	for i := 1; i < len(l.Data); i++ {
		prev, cur := &l.Data[i-1], &l.Data[i]
		if cur.SourceRVA < prev.End() {
			return &overlapError{prevRVA: prev.SourceRVA, curRVA: cur.SourceRVA}
		}
	}
	return nil
}

type overlapError struct {
	prevRVA, curRVA uint32
}

func (e *overlapError) Error() string {
	return "overlapping blocks at rva"
}

// RVAToCodeBlock returns the index of the code block containing rva, by
// range membership, or -1 if none contains it. List.Code must already be
// sorted by SortAndVerify.
func (l *List) RVAToCodeBlock(rva uint32) int {
	i := sort.Search(len(l.Code), func(i int) bool { return l.Code[i].End() > rva })
	if i < len(l.Code) && l.Code[i].Contains(rva) {
		return i
	}
	return -1
}

// RVAToDataBlock returns the index of the data block containing rva, by
// range membership, or -1 if none contains it.
func (l *List) RVAToDataBlock(rva uint32) int {
	i := sort.Search(len(l.Data), func(i int) bool { return l.Data[i].End() > rva })
	if i < len(l.Data) && l.Data[i].Contains(rva) {
		return i
	}
	return -1
}

// FinalAddress resolves rva to the final emission address: data blocks are
// checked first, then code, per spec §4.C.
func (l *List) FinalAddress(rva uint32) (uintptr, bool) {
	if di := l.RVAToDataBlock(rva); di >= 0 {
		db := &l.Data[di]
		if !db.Emitted {
			return 0, false
		}
		return db.FinalVirtualAddress + uintptr(rva-db.SourceRVA), true
	}
	if ci := l.RVAToCodeBlock(rva); ci >= 0 {
		cb := &l.Code[ci]
		if !cb.Emitted {
			return 0, false
		}
		return cb.FinalVirtualAddress + uintptr(rva-cb.VirtualOffset), true
	}
	return 0, false
}
