package pe

import "testing"

func TestVersionInfo_BuildParseRoundTrip(t *testing.T) {
	v := NewVersionInfo()
	v.Info.SetFileVersion(1, 2, 3, 4)
	v.Info.SetProductVersion(1, 0, 0, 0)
	v.SetString("CompanyName", "Acme Corp")
	v.SetString("FileDescription", "Acme Tool")

	payload := v.Build()
	got, err := ParseVersionInfo(payload)
	if err != nil {
		t.Fatalf("ParseVersionInfo: %v", err)
	}

	if got.Info.Signature != VsFFISignature {
		t.Errorf("Signature = %#x, want %#x", got.Info.Signature, VsFFISignature)
	}
	major, minor, build, revision := got.Info.FileVersion()
	if major != 1 || minor != 2 || build != 3 || revision != 4 {
		t.Errorf("FileVersion() = %d.%d.%d.%d, want 1.2.3.4", major, minor, build, revision)
	}
	if company, ok := got.GetString("CompanyName"); !ok || company != "Acme Corp" {
		t.Errorf("GetString(CompanyName) = %q, %v, want %q, true", company, ok, "Acme Corp")
	}
	if desc, ok := got.GetString("FileDescription"); !ok || desc != "Acme Tool" {
		t.Errorf("GetString(FileDescription) = %q, %v, want %q, true", desc, ok, "Acme Tool")
	}
	if len(got.Vars) != 1 || got.Vars[0].Language != LanguageIDEnUS || got.Vars[0].CodePage != CodePageEnUS {
		t.Errorf("Vars = %+v, want one {%d, %d} entry", got.Vars, LanguageIDEnUS, CodePageEnUS)
	}
}

func TestResourceDirectory_SetGetRemoveVersionInfo(t *testing.T) {
	var dir ResourceDirectory

	v := NewVersionInfo()
	v.SetString("ProductName", "Widget")
	if err := dir.SetVersionInfo(v); err != nil {
		t.Fatalf("SetVersionInfo: %v", err)
	}

	got, err := dir.GetVersionInfo(nil)
	if err != nil {
		t.Fatalf("GetVersionInfo: %v", err)
	}
	if got == nil {
		t.Fatal("GetVersionInfo() = nil, want a VersionInfo")
	}
	if name, ok := got.GetString("ProductName"); !ok || name != "Widget" {
		t.Errorf("GetString(ProductName) = %q, %v, want %q, true", name, ok, "Widget")
	}

	typeEntry := dir.Get(ByID(ResourceTypeVersion))
	if typeEntry == nil || !typeEntry.IsDir {
		t.Fatal("RT_VERSION type entry missing after SetVersionInfo")
	}
	nameEntry := typeEntry.Directory.Get(ByID(versionInfoID))
	if nameEntry == nil || !nameEntry.IsDir || len(nameEntry.Directory.Entries) != 1 {
		t.Fatalf("version info name/lang entries malformed: %+v", typeEntry.Directory)
	}
	langEntry := nameEntry.Directory.Entries[0]
	if lang := langEntry.ID; lang != LanguageIDEnUS {
		t.Errorf("version info language id = %d, want %d", lang, LanguageIDEnUS)
	}
	if cp := langEntry.Data.Struct.CodePage; cp != CodePageEnUS {
		t.Errorf("version info codepage = %d, want %d", cp, CodePageEnUS)
	}

	dir.RemoveVersionInfo()
	if dir.Get(ByID(ResourceTypeVersion)) != nil {
		t.Error("RT_VERSION entry still present after RemoveVersionInfo")
	}

	again, err := dir.GetVersionInfo(nil)
	if err != nil || again != nil {
		t.Errorf("GetVersionInfo() after remove = %v, %v, want nil, nil", again, err)
	}
}

func TestResourceDirectory_SetVersionInfoReplacesExisting(t *testing.T) {
	var dir ResourceDirectory

	first := NewVersionInfo()
	first.SetString("CompanyName", "Old Co")
	if err := dir.SetVersionInfo(first); err != nil {
		t.Fatalf("SetVersionInfo(first): %v", err)
	}

	second := NewVersionInfo()
	second.SetString("CompanyName", "New Co")
	if err := dir.SetVersionInfo(second); err != nil {
		t.Fatalf("SetVersionInfo(second): %v", err)
	}

	got, err := dir.GetVersionInfo(nil)
	if err != nil {
		t.Fatalf("GetVersionInfo: %v", err)
	}
	if company, _ := got.GetString("CompanyName"); company != "New Co" {
		t.Errorf("CompanyName = %q, want %q", company, "New Co")
	}

	typeEntry := dir.Get(ByID(ResourceTypeVersion))
	if len(typeEntry.Directory.Entries) != 1 {
		t.Errorf("RT_VERSION has %d name entries after re-set, want 1", len(typeEntry.Directory.Entries))
	}
}
