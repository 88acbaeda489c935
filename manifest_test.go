package pe

import "testing"

func TestResourceDirectory_SetGetRemoveManifest(t *testing.T) {
	var dir ResourceDirectory

	manifest := []byte(`<?xml version="1.0"?><assembly/>`)
	if err := dir.SetManifest(manifest); err != nil {
		t.Fatalf("SetManifest: %v", err)
	}

	got, err := dir.GetManifest(nil)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if string(got) != string(manifest) {
		t.Errorf("GetManifest() = %q, want %q", got, manifest)
	}

	typeEntry := dir.Get(ByID(ResourceTypeManifest))
	if typeEntry == nil || !typeEntry.IsDir {
		t.Fatal("RT_MANIFEST type entry missing after SetManifest")
	}
	nameEntry := typeEntry.Directory.Get(ByID(manifestID))
	if nameEntry == nil || len(nameEntry.Directory.Entries) != 1 {
		t.Fatalf("manifest name/lang entries malformed: %+v", typeEntry.Directory)
	}
	langEntry := nameEntry.Directory.Entries[0]
	if lang := langEntry.ID; lang != LanguageIDEnUS {
		t.Errorf("manifest language id = %d, want %d", lang, LanguageIDEnUS)
	}
	if cp := langEntry.Data.Struct.CodePage; cp != CodePageEnUS {
		t.Errorf("manifest codepage = %d, want %d", cp, CodePageEnUS)
	}

	dir.RemoveManifest()
	if dir.Get(ByID(ResourceTypeManifest)) != nil {
		t.Error("RT_MANIFEST entry still present after RemoveManifest")
	}
	again, err := dir.GetManifest(nil)
	if err != nil || again != nil {
		t.Errorf("GetManifest() after remove = %v, %v, want nil, nil", again, err)
	}
}

func TestResourceDirectory_SetManifestReplacesExisting(t *testing.T) {
	var dir ResourceDirectory

	if err := dir.SetManifest([]byte("<old/>")); err != nil {
		t.Fatalf("SetManifest(old): %v", err)
	}
	if err := dir.SetManifest([]byte("<new/>")); err != nil {
		t.Fatalf("SetManifest(new): %v", err)
	}

	got, err := dir.GetManifest(nil)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if string(got) != "<new/>" {
		t.Errorf("GetManifest() = %q, want %q", got, "<new/>")
	}

	typeEntry := dir.Get(ByID(ResourceTypeManifest))
	if len(typeEntry.Directory.Entries) != 1 {
		t.Errorf("RT_MANIFEST has %d name entries after re-set, want 1", len(typeEntry.Directory.Entries))
	}
}

func TestResourceDirectory_SetManifestRejectsEmpty(t *testing.T) {
	var dir ResourceDirectory
	if err := dir.SetManifest(nil); err == nil {
		t.Error("SetManifest(nil) = nil error, want error")
	}
}
