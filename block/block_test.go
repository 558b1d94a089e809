package block

import "testing"

func TestSortAndVerifyOrdersByRVA(t *testing.T) {
	l := &List{
		Code: []CodeBlock{
			NewNonRelativeBlock(0x2000, 0x1000, 8),
			NewNonRelativeBlock(0x1000, 0x800, 8),
		},
	}
	if err := l.SortAndVerify(); err != nil {
		t.Fatalf("SortAndVerify: %v", err)
	}
	if l.Code[0].VirtualOffset != 0x1000 || l.Code[1].VirtualOffset != 0x2000 {
		t.Fatalf("blocks not sorted: %+v", l.Code)
	}
}

func TestSortAndVerifyRejectsOverlap(t *testing.T) {
	l := &List{
		Code: []CodeBlock{
			NewNonRelativeBlock(0x1000, 0x800, 16),
			NewNonRelativeBlock(0x1008, 0x810, 16),
		},
	}
	if err := l.SortAndVerify(); err == nil {
		t.Fatal("expected overlap error, got nil")
	}
}

func TestRVAToCodeBlock(t *testing.T) {
	l := &List{
		Code: []CodeBlock{
			NewNonRelativeBlock(0x1000, 0x800, 16),
			NewNonRelativeBlock(0x1020, 0x820, 8),
		},
	}
	if err := l.SortAndVerify(); err != nil {
		t.Fatal(err)
	}
	if i := l.RVAToCodeBlock(0x1005); i != 0 {
		t.Errorf("RVAToCodeBlock(0x1005) = %d, want 0", i)
	}
	if i := l.RVAToCodeBlock(0x1020); i != 1 {
		t.Errorf("RVAToCodeBlock(0x1020) = %d, want 1", i)
	}
	if i := l.RVAToCodeBlock(0x1010); i != -1 {
		t.Errorf("RVAToCodeBlock(0x1010) = %d, want -1 (gap)", i)
	}
	if i := l.RVAToCodeBlock(0x2000); i != -1 {
		t.Errorf("RVAToCodeBlock(0x2000) = %d, want -1", i)
	}
}

func TestFinalAddressPrefersData(t *testing.T) {
	l := &List{
		Code: []CodeBlock{NewNonRelativeBlock(0x3000, 0x900, 8)},
		Data: []DataBlock{{SourceRVA: 0x3000, FileSize: 8, VirtualSize: 8}},
	}
	l.Code[0].Emitted = true
	l.Code[0].FinalVirtualAddress = 0x5000
	l.Data[0].Emitted = true
	l.Data[0].FinalVirtualAddress = 0x9000

	addr, ok := l.FinalAddress(0x3002)
	if !ok {
		t.Fatal("FinalAddress: not found")
	}
	if addr != 0x9002 {
		t.Errorf("FinalAddress = 0x%x, want 0x9002 (data should win)", addr)
	}
}

func TestFinalAddressUnresolvedWhenNotEmitted(t *testing.T) {
	l := &List{Code: []CodeBlock{NewNonRelativeBlock(0x1000, 0, 8)}}
	if _, ok := l.FinalAddress(0x1000); ok {
		t.Fatal("expected not-ok for un-emitted block")
	}
}
