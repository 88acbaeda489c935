package pe

import (
	"encoding/binary"
	"sort"
	"unicode/utf16"

	"github.com/pkg/errors"
)

type (
	ImageResourceDirectory struct {
		Characteristics      uint32
		TimeDateStamp        uint32
		MajorVersion         uint16
		MinorVersion         uint16
		NumberOfNamedEntries uint16
		NumberOfIDEntries    uint16
	}

	ImageResourceDirectoryEntry struct {
		Name         uint32
		OffsetToData uint32
	}

	ImageResourceDataEntry struct {
		OffsetToData uint32
		Size         uint32
		CodePage     uint32
		Reserved     uint32
	}

	// ResourceDirectory is one level of the four-level resource tree
	// (Type -> Name -> Language -> Data). Entries is kept in the order
	// resources were parsed or inserted; call Canonicalize before
	// serializing if the on-disk ordering the loader expects (named
	// entries sorted, then ID entries ascending) is required.
	ResourceDirectory struct {
		Struct  ImageResourceDirectory
		Entries []ResourceDirectoryEntry
	}

	// ResourceDirectoryEntry is either a subdirectory (IsDir true) or a
	// leaf data entry (IsDir false, Lang/SubLang set), never both.
	ResourceDirectoryEntry struct {
		Struct    ImageResourceDirectoryEntry
		Name      string
		ID        uint32
		IsDir     bool
		Directory ResourceDirectory
		Data      ResourceDataEntry
	}

	ResourceDataEntry struct {
		Struct  ImageResourceDataEntry
		Lang    uint32
		SubLang uint32
		// Bytes holds the payload once it has been read or set in
		// memory; it is populated lazily from the file by Bytes() and
		// always populated for entries created by a mutation call.
		bytes []byte
	}
)

func (f *File) parseResourceDataEntry(rva uint32) (dataEntry ImageResourceDataEntry, err error) {
	dataEntrySize := uint32(binary.Size(dataEntry))
	offset := f.getOffsetFromRva(rva)
	if err := f.structUnpack(&dataEntry, offset, dataEntrySize); err != nil {
		return dataEntry, errors.Wrap(err, "Error parsing a resource directory data entry, the RVA is invalid")
	}
	return dataEntry, nil
}

func (f *File) parseResourceDirectoryEntry(rva uint32) *ImageResourceDirectoryEntry {
	var resource ImageResourceDirectoryEntry
	resourceSize := uint32(binary.Size(resource))
	offset := f.getOffsetFromRva(rva)
	err := f.structUnpack(&resource, offset, resourceSize)
	if err != nil {
		return nil
	}

	if resource == (ImageResourceDirectoryEntry{}) {
		return nil
	}
	return &resource
}

// readResourceNameString decodes the length-prefixed UTF-16LE string a
// named resource directory entry points to. Unlike readUnicodeStringAtRVA
// (used for null-terminated import/export names), resource names are not
// null terminated: the uint16 at rva is the code-unit count.
func (f *File) readResourceNameString(rva uint32, codeUnits uint32) string {
	offset := f.getOffsetFromRva(rva)
	units := make([]uint16, 0, codeUnits)
	for i := uint32(0); i < codeUnits; i++ {
		u, err := f.ReadUint16(offset + i*2)
		if err != nil {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// inResourceSection reports whether rva falls within [rsrcLow, rsrcHigh),
// the virtual range of the section the resource directory lives in.
// Every pointer the deserializer follows is section-relative per spec.md
// §4.2; a pointer that resolves outside that range (e.g. into .text) is
// resource malformation, not a valid cross-section reference.
func inResourceSection(rva, rsrcLow, rsrcHigh uint32) bool {
	return rva >= rsrcLow && rva < rsrcHigh
}

func (f *File) doParseResourceDirectory(rva, size, baseRVA, level, rsrcLow, rsrcHigh uint32, dirs []uint32) (*ResourceDirectory, error) {

	if !inResourceSection(rva, rsrcLow, rsrcHigh) {
		return nil, errors.Wrapf(ErrMalformedResourceTree, "resource directory RVA %#x outside .rsrc section [%#x, %#x)", rva, rsrcLow, rsrcHigh)
	}

	var resourceDir ImageResourceDirectory
	resourceDirSize := uint32(binary.Size(resourceDir))
	offset := f.getOffsetFromRva(rva)
	err := f.structUnpack(&resourceDir, offset, resourceDirSize)
	if err != nil {
		return nil, err
	}

	if baseRVA == 0 {
		baseRVA = rva
	}

	if len(dirs) == 0 {
		dirs = append(dirs, rva)
	}

	rva += resourceDirSize

	numberOfEntries := int(resourceDir.NumberOfNamedEntries + resourceDir.NumberOfIDEntries)
	var dirEntries []ResourceDirectoryEntry

	if numberOfEntries > maxAllowedEntries {
		return nil, errors.Wrapf(ErrCapacityExceeded, "resource directory claims %d entries", numberOfEntries)
	}

	if level > 3 {
		return nil, ErrResourceTooDeep
	}

	for i := 0; i < numberOfEntries; i++ {
		res := f.parseResourceDirectoryEntry(rva)
		if res == nil {
			break
		}

		nameIsString := (res.Name & 0x80000000) >> 31
		entryName := ""
		entryID := uint32(0)
		if nameIsString == 0 {
			entryID = res.Name
		} else {
			nameOffset := res.Name & 0x7FFFFFFF
			if !inResourceSection(baseRVA+nameOffset, rsrcLow, rsrcHigh) {
				return nil, errors.Wrapf(ErrMalformedResourceTree, "resource name RVA %#x outside .rsrc section", baseRVA+nameOffset)
			}
			uStringOffset := f.getOffsetFromRva(baseRVA + nameOffset)
			codeUnits, err := f.ReadUint16(uStringOffset)
			if err != nil {
				break
			}
			entryName = f.readResourceNameString(baseRVA+nameOffset+2, uint32(codeUnits))
		}

		dataIsDirectory := (res.OffsetToData & 0x80000000) >> 31

		offsetToDirectory := res.OffsetToData & 0x7FFFFFFF
		if dataIsDirectory > 0 {
			if intInSlice(baseRVA+offsetToDirectory, dirs) {
				break
			}

			dirs = append(dirs, baseRVA+offsetToDirectory)
			directoryEntry, err := f.doParseResourceDirectory(
				baseRVA+offsetToDirectory,
				size-(rva-baseRVA),
				baseRVA,
				level+1,
				rsrcLow, rsrcHigh,
				dirs)
			if err != nil {
				return nil, err
			}

			dirEntries = append(dirEntries, ResourceDirectoryEntry{
				Struct:    *res,
				Name:      entryName,
				ID:        entryID,
				IsDir:     true,
				Directory: *directoryEntry})
		} else {
			// data is entry
			if !inResourceSection(baseRVA+offsetToDirectory, rsrcLow, rsrcHigh) {
				return nil, errors.Wrapf(ErrMalformedResourceTree, "resource data-entry RVA %#x outside .rsrc section", baseRVA+offsetToDirectory)
			}
			dataEntryStruct, err := f.parseResourceDataEntry(baseRVA + offsetToDirectory)
			if err != nil {
				continue
			}
			dataRVA, dataSize := dataEntryStruct.OffsetToData, dataEntryStruct.Size
			dataOK := inResourceSection(dataRVA, rsrcLow, rsrcHigh)
			if dataOK && dataSize > 0 {
				dataOK = inResourceSection(dataRVA+dataSize-1, rsrcLow, rsrcHigh)
			}
			if !dataOK {
				return nil, errors.Wrapf(ErrMalformedResourceTree, "resource data RVA %#x (size %d) outside .rsrc section", dataRVA, dataSize)
			}
			entryData := ResourceDataEntry{
				Struct:  dataEntryStruct,
				Lang:    res.Name & 0x3ff,
				SubLang: res.Name >> 10,
			}

			dirEntries = append(dirEntries, ResourceDirectoryEntry{
				Struct: *res,
				Name:   entryName,
				ID:     entryID,
				IsDir:  false,
				Data:   entryData})
		}

		rva += uint32(binary.Size(res))
	}

	return &ResourceDirectory{Struct: resourceDir, Entries: dirEntries}, nil
}

func (f *File) readResourceDirectory() (*ResourceDirectory, error) {
	if f.OptionalHeader == nil {
		return nil, nil
	}

	rva, size := f.dataDirectory(ImageDirectoryEntryResource)
	if rva == 0 {
		return nil, nil
	}
	section := f.getSectionByRva(rva)
	if section == nil {
		return nil, errors.Wrapf(ErrMalformedResourceTree, "resource directory RVA %#x is not mapped by any section", rva)
	}
	rsrcLow, rsrcHigh := section.VirtualAddress, section.VirtualAddress+section.VirtualSize
	var dirs []uint32
	return f.doParseResourceDirectory(rva, size, 0, 0, rsrcLow, rsrcHigh, dirs)
}

func (f *File) dataDirectory(entry int) (rva, size uint32) {
	switch f.Is64 {
	case true:
		oh := f.OptionalHeader.(*OptionalHeader64)
		return oh.DataDirectory[entry].VirtualAddress, oh.DataDirectory[entry].Size
	default:
		oh := f.OptionalHeader.(*OptionalHeader32)
		return oh.DataDirectory[entry].VirtualAddress, oh.DataDirectory[entry].Size
	}
}

// Bytes returns the raw payload of a data entry, reading it from the
// parsed file on first access and caching it afterward. Entries created
// in memory by a mutation call already carry their bytes.
func (d *ResourceDataEntry) Bytes(f *File) ([]byte, error) {
	if d.bytes != nil {
		return d.bytes, nil
	}
	if f == nil {
		return nil, errors.New("resource data entry has no backing bytes and no file to read from")
	}
	data, err := f.GetData(d.Struct.OffsetToData, d.Struct.Size)
	if err != nil {
		return nil, errors.Wrap(err, "reading resource data entry payload")
	}
	d.bytes = data
	return data, nil
}

// SetBytes replaces the payload of a data entry and updates its declared
// size; the OffsetToData is meaningless until the tree is serialized
// again.
func (d *ResourceDataEntry) SetBytes(data []byte) {
	d.bytes = data
	d.Struct.Size = uint32(len(data))
}

func newDataEntry(lang uint32, data []byte) ResourceDataEntry {
	return ResourceDataEntry{
		Struct: ImageResourceDataEntry{Size: uint32(len(data)), CodePage: 0},
		Lang:   lang & 0x3ff,
	}
}

// resourceKey identifies a sibling within one directory level: either a
// name or a numeric ID, never both, matching the wire format's mutually
// exclusive Name field.
type resourceKey struct {
	name   string
	id     uint32
	byName bool
}

func keyOf(e *ResourceDirectoryEntry) resourceKey {
	if e.Name != "" {
		return resourceKey{name: e.Name, byName: true}
	}
	return resourceKey{id: e.ID}
}

func (k resourceKey) matches(e *ResourceDirectoryEntry) bool {
	if k.byName {
		return e.Name == k.name
	}
	return e.Name == "" && e.ID == k.id
}

// ByName builds a lookup key for a named resource (type, language group
// key, and group-icon entry all use this form).
func ByName(name string) resourceKey { return resourceKey{name: name, byName: true} }

// ByID builds a lookup key for a numeric resource ID.
func ByID(id uint32) resourceKey { return resourceKey{id: id} }

// Get returns the entry matching key at this directory level, or nil.
func (d *ResourceDirectory) Get(key resourceKey) *ResourceDirectoryEntry {
	for i := range d.Entries {
		if key.matches(&d.Entries[i]) {
			return &d.Entries[i]
		}
	}
	return nil
}

// Resolve walks typeKey, nameKey and lang through the type, name and
// language levels of the resource tree and returns the leaf data entry's
// bytes, or ErrResourceNotFound if any level along the path is missing.
// Unlike Get, which reports absence with a nil return for callers that
// treat a missing resource as routine, Resolve is for callers that need
// a specific resource to exist and want a single sentinel to check.
func (r *ResourceDirectory) Resolve(typeKey, nameKey resourceKey, lang uint32, f *File) ([]byte, error) {
	typeEntry := r.Get(typeKey)
	if typeEntry == nil || !typeEntry.IsDir {
		return nil, errors.Wrapf(ErrResourceNotFound, "resource type %v", typeKey)
	}
	nameEntry := typeEntry.Directory.Get(nameKey)
	if nameEntry == nil || !nameEntry.IsDir {
		return nil, errors.Wrapf(ErrResourceNotFound, "resource name %v under type %v", nameKey, typeKey)
	}
	langEntry := nameEntry.Directory.Get(ByID(lang))
	if langEntry == nil {
		return nil, errors.Wrapf(ErrResourceNotFound, "language %d under %v/%v", lang, typeKey, nameKey)
	}
	return langEntry.Data.Bytes(f)
}

// Remove deletes the entry matching key at this directory level and
// reports whether anything was removed.
func (d *ResourceDirectory) Remove(key resourceKey) bool {
	for i := range d.Entries {
		if key.matches(&d.Entries[i]) {
			d.Entries = append(d.Entries[:i], d.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// InsertAt places entry at position pos within this directory level,
// replacing any existing entry with the same key. pos is clamped to the
// resulting slice length, so 0 means "first".
func (d *ResourceDirectory) InsertAt(entry ResourceDirectoryEntry, pos int) {
	key := keyOf(&entry)
	d.Remove(key)
	if pos < 0 {
		pos = 0
	}
	if pos > len(d.Entries) {
		pos = len(d.Entries)
	}
	d.Entries = append(d.Entries, ResourceDirectoryEntry{})
	copy(d.Entries[pos+1:], d.Entries[pos:])
	d.Entries[pos] = entry
	d.sync()
}

// Insert places entry at the front of this directory level. Freshly
// stamped resources (manifest, version info, icons) are inserted this
// way so they sort first among same-kind siblings, matching what linker
// output typically looks like.
func (d *ResourceDirectory) Insert(entry ResourceDirectoryEntry) {
	d.InsertAt(entry, 0)
}

func (d *ResourceDirectory) sync() {
	var named, ided uint16
	for _, e := range d.Entries {
		if e.Name != "" {
			named++
		} else {
			ided++
		}
	}
	d.Struct.NumberOfNamedEntries = named
	d.Struct.NumberOfIDEntries = ided
}

// Canonicalize sorts this directory level (named entries first, by UTF-16
// code unit, then ID entries ascending) and recurses into every
// subdirectory. The Windows loader assumes this ordering; it must be
// restored before a resource tree that has been mutated is serialized.
func (d *ResourceDirectory) Canonicalize() {
	sort.SliceStable(d.Entries, func(i, j int) bool {
		a, b := &d.Entries[i], &d.Entries[j]
		aNamed, bNamed := a.Name != "", b.Name != ""
		if aNamed != bNamed {
			return aNamed
		}
		if aNamed {
			return utf16Less(a.Name, b.Name)
		}
		return a.ID < b.ID
	})
	d.sync()
	for i := range d.Entries {
		if d.Entries[i].IsDir {
			d.Entries[i].Directory.Canonicalize()
		}
	}
}

func utf16Less(a, b string) bool {
	ua, ub := utf16.Encode([]rune(a)), utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// Depth returns the number of directory levels below this one (0 for a
// directory whose entries are all leaves).
func (d *ResourceDirectory) Depth() int {
	max := 0
	for _, e := range d.Entries {
		if e.IsDir {
			if depth := e.Directory.Depth() + 1; depth > max {
				max = depth
			}
		}
	}
	return max
}
