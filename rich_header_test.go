package pe

import (
	"bytes"
	"testing"
)

// TestRichHeader_AbsentLeavesZeroValues covers the case buildMinimalPE32
// always produces: a DOS stub with no embedded "Rich"/"DanS" markers, where
// RichHeader must stay nil and the derived helpers must degrade to their
// documented zero values rather than panicking on a nil dereference.
func TestRichHeader_AbsentLeavesZeroValues(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))

	if f.RichHeader != nil {
		t.Fatalf("RichHeader = %+v, want nil for a stub with no Rich header", f.RichHeader)
	}
	if got := f.RichHeaderChecksum(); got != 0 {
		t.Errorf("RichHeaderChecksum() = %d, want 0", got)
	}
	if got := f.RichHeaderHash(); got != "" {
		t.Errorf("RichHeaderHash() = %q, want \"\"", got)
	}
}
