package pe

import (
	"bytes"
	"errors"
	"testing"
)

// TestImpHash_NoImports covers ImpHash's documented failure mode: a file
// with no import table at all (buildMinimalPE32's single-section fixture
// never sets IMAGE_DIRECTORY_ENTRY_IMPORT) must report ErrNoImports rather
// than hashing an empty import list into a misleadingly "valid" digest.
func TestImpHash_NoImports(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))

	if len(f.Imports) != 0 {
		t.Fatalf("Imports = %v, want none for a fixture with no import directory", f.Imports)
	}

	_, err := f.ImpHash()
	if !errors.Is(err, ErrNoImports) {
		t.Errorf("ImpHash() err = %v, want ErrNoImports", err)
	}
}
