package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestResourceDirectory_InsertGetRemove(t *testing.T) {
	var dir ResourceDirectory

	entry := ResourceDirectoryEntry{ID: 5, Data: newDataEntry(0, []byte("hello"))}
	entry.Data.SetBytes([]byte("hello"))
	dir.Insert(entry)

	got := dir.Get(ByID(5))
	if got == nil {
		t.Fatal("Get(ByID(5)) = nil, want entry")
	}
	data, err := got.Data.Bytes(nil)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("payload = %q, want %q", data, "hello")
	}

	if !dir.Remove(ByID(5)) {
		t.Error("Remove(ByID(5)) = false, want true")
	}
	if dir.Get(ByID(5)) != nil {
		t.Error("entry still present after Remove")
	}
}

func TestResourceDirectory_ResolveFound(t *testing.T) {
	var dir ResourceDirectory
	if err := dir.SetManifest([]byte("<assembly/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	data, err := dir.Resolve(ByID(ResourceTypeManifest), ByID(manifestID), LanguageIDEnUS, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(data) != "<assembly/>" {
		t.Errorf("Resolve() = %q, want %q", data, "<assembly/>")
	}
}

func TestResourceDirectory_ResolveNotFound(t *testing.T) {
	var dir ResourceDirectory

	if _, err := dir.Resolve(ByID(ResourceTypeManifest), ByID(manifestID), LanguageIDEnUS, nil); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("Resolve() err = %v, want wrapping ErrResourceNotFound", err)
	}

	if err := dir.SetManifest([]byte("<assembly/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}
	if _, err := dir.Resolve(ByID(ResourceTypeManifest), ByID(manifestID), 0, nil); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("Resolve() with wrong language err = %v, want wrapping ErrResourceNotFound", err)
	}
	if _, err := dir.Resolve(ByID(ResourceTypeVersion), ByID(manifestID), LanguageIDEnUS, nil); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("Resolve() with wrong type err = %v, want wrapping ErrResourceNotFound", err)
	}
}

func TestResourceDirectory_InsertAtFront(t *testing.T) {
	var dir ResourceDirectory
	dir.Insert(ResourceDirectoryEntry{ID: 1})
	dir.Insert(ResourceDirectoryEntry{ID: 2})
	dir.Insert(ResourceDirectoryEntry{ID: 3})

	want := []uint32{3, 2, 1}
	if len(dir.Entries) != len(want) {
		t.Fatalf("len(Entries) = %d, want %d", len(dir.Entries), len(want))
	}
	for i, id := range want {
		if dir.Entries[i].ID != id {
			t.Errorf("Entries[%d].ID = %d, want %d", i, dir.Entries[i].ID, id)
		}
	}
}

func TestResourceDirectory_Canonicalize(t *testing.T) {
	var dir ResourceDirectory
	dir.Insert(ResourceDirectoryEntry{ID: 2})
	dir.Insert(ResourceDirectoryEntry{ID: 1})
	dir.Insert(ResourceDirectoryEntry{Name: "zebra"})
	dir.Insert(ResourceDirectoryEntry{Name: "apple"})

	dir.Canonicalize()

	wantNames := []string{"apple", "zebra", "", ""}
	wantIDs := []uint32{0, 0, 1, 2}
	for i := range dir.Entries {
		if dir.Entries[i].Name != wantNames[i] || dir.Entries[i].ID != wantIDs[i] {
			t.Errorf("Entries[%d] = {%q, %d}, want {%q, %d}", i, dir.Entries[i].Name, dir.Entries[i].ID, wantNames[i], wantIDs[i])
		}
	}
	if dir.Struct.NumberOfNamedEntries != 2 || dir.Struct.NumberOfIDEntries != 2 {
		t.Errorf("named/id counts = %d/%d, want 2/2", dir.Struct.NumberOfNamedEntries, dir.Struct.NumberOfIDEntries)
	}
}

func TestResourceDirectory_BuildSizeMatchesPrediction(t *testing.T) {
	var dir ResourceDirectory
	typeEntry := ResourceDirectoryEntry{ID: ResourceTypeManifest, IsDir: true}
	nameDir := ResourceDirectory{}
	dataEntry := newDataEntry(0, []byte("<assembly/>"))
	dataEntry.SetBytes([]byte("<assembly/>"))
	nameDir.Insert(ResourceDirectoryEntry{ID: 1, Data: dataEntry})
	typeEntry.Directory = nameDir
	dir.Insert(typeEntry)
	dir.Canonicalize()

	predicted := dir.Size()
	built, err := dir.Build(0x2000, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if uint32(len(built)) != predicted {
		t.Errorf("len(built) = %d, predicted Size() = %d", len(built), predicted)
	}
}

// TestParse_RejectsOutOfSectionResourceRVA covers S6: a resource
// directory entry whose OffsetToData points outside the .rsrc section's
// virtual range must fail parsing with resource malformation, with no
// partial tree returned.
func TestParse_RejectsOutOfSectionResourceRVA(t *testing.T) {
	f := mustParse(t, buildMinimalPE32(bytes.Repeat([]byte{0x90}, 16)))
	if f.Resources == nil {
		f.Resources = &ResourceDirectory{}
	}
	if err := f.Resources.SetManifest([]byte("<x/>")); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}
	good, err := f.Rebuild(f.Resources, RebuildOptions{})
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	rebuilt := mustParse(t, good)
	rsrc := rebuilt.Section(".rsrc")
	if rsrc == nil {
		t.Fatal("rebuilt image has no .rsrc section")
	}

	// The root directory's single entry sits right after the 16-byte
	// IMAGE_RESOURCE_DIRECTORY header; its OffsetToData field is the
	// second 4-byte word of the 8-byte entry. Point it far past the
	// section's end while keeping the subdirectory bit set.
	corrupted := append([]byte(nil), good...)
	entryOffsetToData := rsrc.Offset + 16 + 4
	binary.LittleEndian.PutUint32(corrupted[entryOffsetToData:], 0x80000000|0x7FFFFFF0)

	// A malformed resource tree does not fail NewFileFromBytes outright
	// (callers may only care about the rest of the header), but the
	// resource parse itself must fail with no partial tree observable:
	// Resources stays nil and ResourcesErr carries the malformation.
	reread := mustParse(t, corrupted)
	if reread.Resources != nil {
		t.Error("Resources is non-nil after a malformed resource RVA, want nil (no partial tree)")
	}
	if !errors.Is(reread.ResourcesErr, ErrMalformedResourceTree) {
		t.Errorf("ResourcesErr = %v, want wrapping ErrMalformedResourceTree", reread.ResourcesErr)
	}
}
