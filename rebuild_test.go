package pe

import (
	"bytes"
	"sort"
	"testing"
)

// TestRebuild_AllocatesNewResourceSection covers S1: a minimal image with
// no .rsrc, given a manifest, gains exactly one new trailing section
// named ".rsrc" whose tree has a single RT_MANIFEST leaf.
func TestRebuild_AllocatesNewResourceSection(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetManifest([]byte("<x/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	out, err := f.Rebuild(f.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rebuilt := mustParse(t, out)
	rsrc := rebuilt.Section(".rsrc")
	if rsrc == nil {
		t.Fatal("rebuilt image has no .rsrc section")
	}
	if rsrc != rebuilt.Sections[len(rebuilt.Sections)-1] {
		t.Error(".rsrc is not the last section")
	}

	manifest, err := rebuilt.Resources.GetManifest(rebuilt)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if string(manifest) != "<x/>" {
		t.Errorf("manifest = %q, want %q", manifest, "<x/>")
	}
}

// TestRebuild_SectionInvariants covers property 3: after a rebuild,
// sections stay VA-sorted, non-overlapping, and raw-offset-aligned.
func TestRebuild_SectionInvariants(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 4096)))
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetManifest(bytes.Repeat([]byte{'a'}, 4000)); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	out, err := f.Rebuild(f.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rebuilt := mustParse(t, out)
	fileAlign := rebuilt.fileAlignment()

	sections := append([]*Section(nil), rebuilt.Sections...)
	if !sort.SliceIsSorted(sections, func(i, j int) bool { return sections[i].VirtualAddress < sections[j].VirtualAddress }) {
		t.Error("sections are not VA-sorted after rebuild")
	}
	for i, s := range sections {
		if s.Offset%fileAlign != 0 {
			t.Errorf("section %q raw offset %#x is not %#x-aligned", s.Name, s.Offset, fileAlign)
		}
		if i > 0 {
			prev := sections[i-1]
			if prev.VirtualAddress+prev.VirtualSize > s.VirtualAddress {
				t.Errorf("section %q virtual range overlaps %q", prev.Name, s.Name)
			}
			if prev.Offset+prev.Size > s.Offset {
				t.Errorf("section %q raw range overlaps %q", prev.Name, s.Name)
			}
		}
	}
}

// TestRebuild_IdempotentReparse covers part of property 2: reparsing a
// rebuilt image and rebuilding it again with the parsed tree still yields
// a readable version resource with a valid VS_FIXEDFILEINFO signature.
func TestRebuild_IdempotentReparse(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetVersionInfo(NewVersionInfo()); err != nil {
		t.Fatalf("SetVersionInfo: %v", err)
	}

	first, err := f.Rebuild(f.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild (first): %v", err)
	}
	reparsed := mustParse(t, first)

	second, err := reparsed.Rebuild(reparsed.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild (second): %v", err)
	}
	twiceParsed := mustParse(t, second)

	got, err := twiceParsed.Resources.GetVersionInfo(twiceParsed)
	if err != nil {
		t.Fatalf("GetVersionInfo: %v", err)
	}
	if got == nil {
		t.Fatal("GetVersionInfo() = nil after idempotent rebuild")
	}
	if got.Info.Signature != VsFFISignature {
		t.Errorf("Signature = %#x, want %#x", got.Info.Signature, VsFFISignature)
	}
}

// TestRebuild_PreservesOverlay covers the overlay-preservation design
// note: bytes appended past the last section survive a rebuild verbatim.
func TestRebuild_PreservesOverlay(t *testing.T) {
	base := buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16))
	overlay := []byte("trailing-signature-blob")
	withOverlay := append(append([]byte(nil), base...), overlay...)

	f := mustParse(t, withOverlay)
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetManifest([]byte("<m/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	out, err := f.Rebuild(f.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !bytes.HasSuffix(out, overlay) {
		t.Error("rebuilt image does not end with the original overlay bytes")
	}
}

// TestRebuild_ComputeChecksum covers the optional checksum toggle: when
// requested, the CheckSum field is nonzero and verifies against
// ComputeChecksum recomputed independently.
func TestRebuild_ComputeChecksum(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetManifest([]byte("<x/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	out, err := f.Rebuild(f.Resources, RebuildOptions{ComputeChecksum: true})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rebuilt := mustParse(t, out)
	checksum := rebuilt.OptionalHeader.(*OptionalHeader32).CheckSum
	if checksum == 0 {
		t.Error("CheckSum is 0 after ComputeChecksum: true")
	}

	checksumOffset := rebuilt.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(FileHeaderSize) + optionalHeaderCheckSumOffset
	if got := ComputeChecksum(out, checksumOffset); got != checksum {
		t.Errorf("recomputed checksum = %#x, stored = %#x", got, checksum)
	}
}
