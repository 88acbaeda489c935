package pe

import "github.com/pkg/errors"

// manifestID is the resource ID the Windows loader expects an embedded
// SxS manifest under.
const manifestID = 1

// SetManifest installs data as the executable's RT_MANIFEST resource,
// replacing any manifest previously installed at the well-known id/lang
// pair. The entry is inserted at the front of the RT_MANIFEST type's
// language table so it sorts first among siblings, matching the
// insertion convention used by SetMainIcon and SetVersionInfo.
func (r *ResourceDirectory) SetManifest(data []byte) error {
	if len(data) == 0 {
		return errors.New("no manifest data supplied")
	}

	manifestType := r.Get(ByID(ResourceTypeManifest))
	if manifestType == nil {
		r.Insert(ResourceDirectoryEntry{ID: ResourceTypeManifest, IsDir: true})
		manifestType = r.Get(ByID(ResourceTypeManifest))
	}

	nameEntry := manifestType.Directory.Get(ByID(manifestID))
	if nameEntry == nil {
		manifestType.Directory.Insert(ResourceDirectoryEntry{ID: manifestID, IsDir: true})
		nameEntry = manifestType.Directory.Get(ByID(manifestID))
	}

	entry := newDataEntry(LanguageIDEnUS, data)
	entry.Struct.CodePage = CodePageEnUS
	entry.SetBytes(data)
	nameEntry.Directory.Insert(ResourceDirectoryEntry{ID: LanguageIDEnUS, Data: entry})
	return nil
}

// GetManifest returns the raw bytes of the installed RT_MANIFEST
// resource, or nil if none is present.
func (r *ResourceDirectory) GetManifest(f *File) ([]byte, error) {
	manifestType := r.Get(ByID(ResourceTypeManifest))
	if manifestType == nil || !manifestType.IsDir {
		return nil, nil
	}
	nameEntry := manifestType.Directory.Get(ByID(manifestID))
	if nameEntry == nil && len(manifestType.Directory.Entries) > 0 {
		nameEntry = &manifestType.Directory.Entries[0]
	}
	if nameEntry == nil || !nameEntry.IsDir || len(nameEntry.Directory.Entries) == 0 {
		return nil, nil
	}
	langEntry := nameEntry.Directory.Get(ByID(LanguageIDEnUS))
	if langEntry == nil {
		langEntry = &nameEntry.Directory.Entries[0]
	}
	return langEntry.Data.Bytes(f)
}

// RemoveManifest deletes the installed RT_MANIFEST resource, if any.
func (r *ResourceDirectory) RemoveManifest() {
	manifestType := r.Get(ByID(ResourceTypeManifest))
	if manifestType == nil || !manifestType.IsDir {
		return
	}
	manifestType.Directory.Remove(ByID(manifestID))
	if len(manifestType.Directory.Entries) == 0 {
		r.Remove(ByID(ResourceTypeManifest))
	}
}
