package pe

import (
	"bytes"
	"testing"
)

// TestAuthentihash_StableAcrossChecksumField covers the digest's defining
// property: it must exclude the optional header's checksum field, so
// changing that field (as RebuildOptions.ComputeChecksum does) must not
// change the hash.
func TestAuthentihash_StableAcrossChecksumField(t *testing.T) {
	data := buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16))
	f := mustParse(t, data)

	before := f.Authentihash()
	if before == nil {
		t.Fatal("Authentihash() = nil, want a digest for a well-formed minimal PE32")
	}
	if len(before) != 32 {
		t.Fatalf("Authentihash() length = %d, want 32 (SHA-256)", len(before))
	}

	checksumOffset := f.DOSHeader.AddressOfNewEXEHeader + 4 + 20 + 64
	mutated := append([]byte(nil), data...)
	mutated[checksumOffset]++

	after := mustParse(t, mutated).Authentihash()
	if !bytes.Equal(before, after) {
		t.Error("Authentihash() changed after mutating only the checksum field")
	}
}
