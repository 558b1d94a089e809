package codec

import "testing"

func mustDecode(t *testing.T, raw []byte) Decoded {
	t.Helper()
	d, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode(% x): %v", raw, err)
	}
	return d
}

func TestEncodeBranchShortStaysShort(t *testing.T) {
	d := mustDecode(t, []byte{0xEB, 0x10}) // JMP rel8
	eb, err := EncodeBranch(d, 129)        // predicted=2, imm=127 (boundary, fits rel8)
	if err != nil {
		t.Fatal(err)
	}
	if eb.Form != FormShort {
		t.Fatalf("Form = %v, want FormShort", eb.Form)
	}
	if len(eb.Bytes) != 2 || eb.Bytes[0] != 0xEB || eb.Bytes[1] != 0x7F {
		t.Fatalf("Bytes = % x, want eb 7f", eb.Bytes)
	}
	if eb.PatchOffset != 1 || eb.OperandSize != 1 {
		t.Errorf("PatchOffset/OperandSize = %d/%d, want 1/1", eb.PatchOffset, eb.OperandSize)
	}
}

func TestEncodeBranchPromotesToNearWhenTooFar(t *testing.T) {
	d := mustDecode(t, []byte{0xEB, 0x10}) // JMP rel8
	eb, err := EncodeBranch(d, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if eb.Form != FormNear {
		t.Fatalf("Form = %v, want FormNear", eb.Form)
	}
	if len(eb.Bytes) != 5 || eb.Bytes[0] != 0xE9 {
		t.Fatalf("Bytes = % x, want e9 ...", eb.Bytes)
	}
	if eb.PatchOffset != 1 || eb.OperandSize != 4 {
		t.Errorf("PatchOffset/OperandSize = %d/%d, want 1/4", eb.PatchOffset, eb.OperandSize)
	}
}

func TestEncodeBranchCallNeverShort(t *testing.T) {
	d := mustDecode(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00}) // CALL rel32
	eb, err := EncodeBranch(d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if eb.Form != FormNear {
		t.Fatalf("Form = %v, want FormNear (CALL has no short form)", eb.Form)
	}
	if eb.Bytes[0] != 0xE8 {
		t.Fatalf("Bytes[0] = 0x%x, want 0xE8", eb.Bytes[0])
	}
}

func TestEncodeBranchJccShortAndNear(t *testing.T) {
	d := mustDecode(t, []byte{0x74, 0x10}) // JE rel8
	short, err := EncodeBranch(d, 129)     // predicted=2, imm=127
	if err != nil {
		t.Fatal(err)
	}
	if short.Form != FormShort || short.Bytes[0] != 0x74 {
		t.Fatalf("short form mismatch: %+v", short)
	}

	near, err := EncodeBranch(d, 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if near.Form != FormNear {
		t.Fatalf("Form = %v, want FormNear", near.Form)
	}
	if len(near.Bytes) != 6 || near.Bytes[0] != 0x0F || near.Bytes[1] != 0x84 {
		t.Fatalf("Bytes = % x, want 0f 84 ...", near.Bytes)
	}
}

func TestEncodeBranchOverflowFails(t *testing.T) {
	d := mustDecode(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00})
	if _, err := EncodeBranch(d, 1<<33); err == nil {
		t.Fatal("expected overflow error")
	}
}
