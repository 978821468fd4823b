package envelope

import (
	"bytes"
	"testing"
)

func TestSplitUnderThreshold(t *testing.T) {
	payload := []byte("short")
	frags, err := Split(payload, 64)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if !bytes.Equal(frags[0].Data, payload) {
		t.Fatalf("fragment data mismatch")
	}
}

func TestSplitContiguousIndices(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 200)
	frags, err := Split(payload, 64)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}
	if len(frags) != 4 {
		t.Fatalf("expected 4 fragments (64,64,64,8), got %d", len(frags))
	}
	sizes := []int{64, 64, 64, 8}
	for i, f := range frags {
		if f.Index != i {
			t.Errorf("fragment %d has index %d", i, f.Index)
		}
		if f.Total != 4 {
			t.Errorf("fragment %d has total %d, want 4", i, f.Total)
		}
		if len(f.Data) != sizes[i] {
			t.Errorf("fragment %d has size %d, want %d", i, len(f.Data), sizes[i])
		}
	}
}

func TestSplitRejectsNonPositiveMax(t *testing.T) {
	if _, err := Split([]byte("x"), 0); err == nil {
		t.Fatal("expected error for non-positive max size")
	}
}

func TestReassemblerRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("xyz"), 100)
	frags, err := Split(original, 37)
	if err != nil {
		t.Fatalf("Split returned error: %v", err)
	}

	r := NewReassembler()
	for _, f := range frags {
		r.Add(f.Index, f.Total, f.Data)
	}

	if !r.Complete() {
		t.Fatal("expected reassembler to report complete")
	}
	if got := r.Concat(); !bytes.Equal(got, original) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(original))
	}
}

func TestReassemblerIncomplete(t *testing.T) {
	r := NewReassembler()
	r.Add(0, 3, []byte("a"))
	r.Add(1, 3, []byte("b"))
	if r.Complete() {
		t.Fatal("expected incomplete reassembler with 2/3 fragments")
	}
}

func TestReassemblerOutOfOrderArrival(t *testing.T) {
	r := NewReassembler()
	r.Add(2, 3, []byte("c"))
	r.Add(0, 3, []byte("a"))
	r.Add(1, 3, []byte("b"))
	if !r.Complete() {
		t.Fatal("expected complete after all 3 fragments arrive out of order")
	}
	if got := string(r.Concat()); got != "abc" {
		t.Fatalf("got %q, want %q", got, "abc")
	}
}
