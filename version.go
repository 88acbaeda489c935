package pe

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// FixedFileInfo is the VS_FIXEDFILEINFO structure embedded at the start of
// a RT_VERSION resource.
type FixedFileInfo struct {
	Signature        uint32
	StrucVersion     uint32
	FileVersionMS    uint32
	FileVersionLS    uint32
	ProductVersionMS uint32
	ProductVersionLS uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateMS       uint32
	FileDateLS       uint32
}

// DefaultFixedFileInfo returns a FixedFileInfo with the same defaults the
// Windows resource compiler emits for an unversioned binary.
func DefaultFixedFileInfo() FixedFileInfo {
	return FixedFileInfo{
		Signature:     VsFFISignature,
		StrucVersion:  VsFFIStrucVersion,
		FileVersionMS: 1 << 16,
		ProductVersionMS: 1 << 16,
		FileFlagsMask: VsFFIFileFlagsMask,
		FileOS:        VosNTWindows,
		FileType:      VftApp,
	}
}

func (ffi *FixedFileInfo) SetFileVersion(major, minor, build, revision uint16) {
	ffi.FileVersionMS = uint32(major)<<16 | uint32(minor)
	ffi.FileVersionLS = uint32(build)<<16 | uint32(revision)
}

func (ffi *FixedFileInfo) SetProductVersion(major, minor, build, revision uint16) {
	ffi.ProductVersionMS = uint32(major)<<16 | uint32(minor)
	ffi.ProductVersionLS = uint32(build)<<16 | uint32(revision)
}

func (ffi FixedFileInfo) FileVersion() (major, minor, build, revision uint16) {
	return uint16(ffi.FileVersionMS >> 16), uint16(ffi.FileVersionMS), uint16(ffi.FileVersionLS >> 16), uint16(ffi.FileVersionLS)
}

// versionHeader is the 6-byte length/value_length/type header preceding
// every named block of a VS_VERSIONINFO resource (the root block itself,
// StringFileInfo, StringTable, String, VarFileInfo, and Translation).
type versionHeader struct {
	Length      uint16
	ValueLength uint16
	Type        uint16
}

// VersionStringTable is one StringFileInfo child: a language/codepage key
// (formatted as an 8 hex digit string, e.g. "040904B0") and its ordered
// key -> value string pairs (CompanyName, FileDescription, ...).
type VersionStringTable struct {
	Key     string
	Strings []VersionStringEntry
}

type VersionStringEntry struct {
	Key   string
	Value string
}

func (t *VersionStringTable) Get(key string) (string, bool) {
	for _, e := range t.Strings {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key, or appends a new entry if key is not
// already present.
func (t *VersionStringTable) Set(key, value string) {
	for i := range t.Strings {
		if t.Strings[i].Key == key {
			t.Strings[i].Value = value
			return
		}
	}
	t.Strings = append(t.Strings, VersionStringEntry{Key: key, Value: value})
}

// VersionInfo is the parsed form of a RT_VERSION resource: the fixed
// numeric fields, zero or more language-keyed string tables, and the
// VarFileInfo translation table declaring which (language, codepage)
// pairs the string tables cover.
type VersionInfo struct {
	Info    FixedFileInfo
	Strings []VersionStringTable
	Vars    []VersionU16Pair
}

type VersionU16Pair struct {
	Language uint16
	CodePage uint16
}

// NewVersionInfo returns a VersionInfo with one empty en-US/Unicode
// string table and matching translation entry, ready for callers to fill
// in via SetString.
func NewVersionInfo() *VersionInfo {
	return &VersionInfo{
		Info:    DefaultFixedFileInfo(),
		Strings: []VersionStringTable{{Key: "040904B0"}},
		Vars:    []VersionU16Pair{{Language: LanguageIDEnUS, CodePage: CodePageEnUS}},
	}
}

// SetString sets key in the first string table, creating one if none
// exist yet.
func (v *VersionInfo) SetString(key, value string) {
	if len(v.Strings) == 0 {
		v.Strings = append(v.Strings, VersionStringTable{Key: "040904B0"})
	}
	v.Strings[0].Set(key, value)
}

func (v *VersionInfo) GetString(key string) (string, bool) {
	for _, t := range v.Strings {
		if val, ok := t.Get(key); ok {
			return val, true
		}
	}
	return "", false
}

func alignedTo(n, alignment int) int {
	if rem := n % alignment; rem != 0 {
		return n + alignment - rem
	}
	return n
}

func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2+2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return append(out, 0, 0) // null terminator
}

func padTo(data []byte, alignment int) []byte {
	for len(data)%alignment != 0 {
		data = append(data, 0)
	}
	return data
}

// ParseVersionInfo decodes a RT_VERSION resource payload, following the
// VS_VERSIONINFO/StringFileInfo/VarFileInfo on-disk layout.
func ParseVersionInfo(data []byte) (*VersionInfo, error) {
	if len(data) < 6 {
		return nil, errors.Wrap(ErrMalformedResourceTree, "version info shorter than header")
	}
	var root versionHeader
	if err := readLE(data, 0, &root); err != nil {
		return nil, err
	}
	if int(root.Length) > len(data) {
		return nil, errors.Errorf("version info length 0x%x exceeds payload size 0x%x", root.Length, len(data))
	}

	key, keyEnd, err := readU16CString(data, 6)
	if err != nil {
		return nil, err
	}
	if key != "VS_VERSION_INFO" {
		return nil, errors.Errorf("unexpected version root key %q", key)
	}
	valueOffset := alignedTo(keyEnd, 4)

	if int(root.ValueLength) != binary.Size(FixedFileInfo{}) {
		return nil, errors.Errorf("unexpected fixed file info length 0x%x", root.ValueLength)
	}
	var info FixedFileInfo
	if err := readLE(data, valueOffset, &info); err != nil {
		return nil, err
	}
	if info.Signature != VsFFISignature {
		return nil, errors.Errorf("invalid fixed file info signature 0x%x", info.Signature)
	}

	childOffset := alignedTo(valueOffset+binary.Size(info), 4)

	out := &VersionInfo{Info: info}
	for childOffset < len(data) {
		var childHeader versionHeader
		if err := readLE(data, childOffset, &childHeader); err != nil {
			break
		}
		childEnd := childOffset + int(childHeader.Length)
		if childEnd > len(data) {
			childEnd = len(data)
		}
		childKey, childKeyEnd, err := readU16CString(data, childOffset+6)
		if err != nil {
			return nil, err
		}
		tablesOffset := alignedTo(childKeyEnd, 4)

		switch childKey {
		case "VarFileInfo":
			if err := parseVarFileInfo(data, tablesOffset, childEnd, out); err != nil {
				return nil, err
			}
		case "StringFileInfo":
			if err := parseStringFileInfo(data, tablesOffset, childEnd, out); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("unexpected version info child key %q", childKey)
		}
		childOffset = alignedTo(childEnd, 4)
	}
	return out, nil
}

func parseVarFileInfo(data []byte, offset, end int, out *VersionInfo) error {
	var varHeader versionHeader
	if err := readLE(data, offset, &varHeader); err != nil {
		return err
	}
	varEnd := offset + int(varHeader.Length)
	tableKey, tableKeyEnd, err := readU16CString(data, offset+6)
	if err != nil {
		return err
	}
	if tableKey != "Translation" {
		return errors.Errorf("unexpected var table key %q", tableKey)
	}
	varsOffset := alignedTo(tableKeyEnd, 4)
	for o := varsOffset; o+4 <= varEnd && o+4 <= end; o += 4 {
		out.Vars = append(out.Vars, VersionU16Pair{
			Language: binary.LittleEndian.Uint16(data[o:]),
			CodePage: binary.LittleEndian.Uint16(data[o+2:]),
		})
	}
	return nil
}

func parseStringFileInfo(data []byte, offset, end int, out *VersionInfo) error {
	for offset < end {
		var tableHeader versionHeader
		if err := readLE(data, offset, &tableHeader); err != nil {
			return err
		}
		tableEnd := offset + int(tableHeader.Length)
		if tableEnd > end {
			tableEnd = end
		}
		tableKey, tableKeyEnd, err := readU16CString(data, offset+6)
		if err != nil {
			return err
		}
		table := VersionStringTable{Key: tableKey}

		stringOffset := alignedTo(tableKeyEnd, 4)
		for stringOffset < tableEnd {
			var strHeader versionHeader
			if err := readLE(data, stringOffset, &strHeader); err != nil {
				break
			}
			keyStart := stringOffset + 6
			strKey, strKeyEnd, err := readU16CString(data, keyStart)
			if err != nil {
				return err
			}
			valueOffset := alignedTo(strKeyEnd, 4)
			if strHeader.ValueLength > 0 && strHeader.Type == 1 {
				valueLen := int(strHeader.ValueLength) * 2
				if valueOffset+valueLen <= len(data) {
					value, _, err := readU16CString(data, valueOffset)
					if err != nil {
						return err
					}
					table.Strings = append(table.Strings, VersionStringEntry{Key: strKey, Value: value})
				}
			}
			stringOffset = alignedTo(valueOffset+int(strHeader.ValueLength)*2, 4)
			if strHeader.Length == 0 {
				break
			}
		}
		out.Strings = append(out.Strings, table)
		offset = alignedTo(tableEnd, 4)
	}
	return nil
}

// Build serializes this VersionInfo back into a RT_VERSION resource
// payload.
func (v *VersionInfo) Build() []byte {
	var stringTables []byte
	for _, table := range v.Strings {
		var children []byte
		for _, entry := range table.Strings {
			var s []byte
			s = appendLE(s, versionHeader{
				Length:      uint16(alignedTo(6+len(entry.Key)*2+2, 4) + len(entry.Value)*2 + 2),
				ValueLength: uint16(len(entry.Value) + 1),
				Type:        1,
			})
			s = append(s, utf16LEBytes(entry.Key)...)
			s = padTo(s, 4)
			s = append(s, utf16LEBytes(entry.Value)...)
			s = padTo(s, 4)
			children = append(children, s...)
		}
		var t []byte
		t = appendLE(t, versionHeader{
			Length:      uint16(alignedTo(6+len(table.Key)*2+2, 4) + len(children)),
			ValueLength: 0,
			Type:        1,
		})
		t = append(t, utf16LEBytes(table.Key)...)
		t = padTo(t, 4)
		t = append(t, children...)
		stringTables = append(stringTables, t...)
	}

	var stringInfo []byte
	stringInfo = appendLE(stringInfo, versionHeader{
		Length:      uint16(alignedTo(6+len("StringFileInfo")*2+2, 4) + len(stringTables)),
		ValueLength: 0,
		Type:        1,
	})
	stringInfo = append(stringInfo, utf16LEBytes("StringFileInfo")...)
	stringInfo = padTo(stringInfo, 4)
	stringInfo = append(stringInfo, stringTables...)

	var vars []byte
	for _, vr := range v.Vars {
		vars = binary.LittleEndian.AppendUint16(vars, vr.Language)
		vars = binary.LittleEndian.AppendUint16(vars, vr.CodePage)
	}
	var varBlock []byte
	varBlock = appendLE(varBlock, versionHeader{
		Length:      uint16(alignedTo(6+len("Translation")*2+2, 4) + len(vars)),
		ValueLength: uint16(len(vars)),
		Type:        0,
	})
	varBlock = append(varBlock, utf16LEBytes("Translation")...)
	varBlock = padTo(varBlock, 4)
	varBlock = append(varBlock, vars...)
	varBlock = padTo(varBlock, 4)

	var varInfo []byte
	varInfo = appendLE(varInfo, versionHeader{
		Length:      uint16(alignedTo(6+len("VarFileInfo")*2+2, 4) + len(varBlock)),
		ValueLength: 0,
		Type:        1,
	})
	varInfo = append(varInfo, utf16LEBytes("VarFileInfo")...)
	varInfo = padTo(varInfo, 4)
	varInfo = append(varInfo, varBlock...)

	ffiSize := binary.Size(v.Info)
	var out []byte
	out = appendLE(out, versionHeader{
		Length: uint16(alignedTo(alignedTo(6+len("VS_VERSION_INFO")*2+2, 4)+ffiSize, 4) +
			len(stringInfo) + len(varInfo)),
		ValueLength: uint16(ffiSize),
		Type:        0,
	})
	out = append(out, utf16LEBytes("VS_VERSION_INFO")...)
	out = padTo(out, 4)
	out = appendLE(out, v.Info)
	out = padTo(out, 4)
	out = append(out, stringInfo...)
	out = append(out, varInfo...)
	return out
}

// versionInfoID is the resource ID the loader expects a RT_VERSION
// resource under.
const versionInfoID = 1

// SetVersionInfo installs v as the executable's RT_VERSION resource,
// replacing whatever was installed there before. Inserted at the front
// of the language table, matching SetManifest and SetMainIcon.
func (r *ResourceDirectory) SetVersionInfo(v *VersionInfo) error {
	if v == nil {
		return errors.New("no version info supplied")
	}
	payload := v.Build()

	versionType := r.Get(ByID(ResourceTypeVersion))
	if versionType == nil {
		r.Insert(ResourceDirectoryEntry{ID: ResourceTypeVersion, IsDir: true})
		versionType = r.Get(ByID(ResourceTypeVersion))
	}

	nameEntry := versionType.Directory.Get(ByID(versionInfoID))
	if nameEntry == nil {
		versionType.Directory.Insert(ResourceDirectoryEntry{ID: versionInfoID, IsDir: true})
		nameEntry = versionType.Directory.Get(ByID(versionInfoID))
	}

	entry := newDataEntry(LanguageIDEnUS, payload)
	entry.Struct.CodePage = CodePageEnUS
	entry.SetBytes(payload)
	nameEntry.Directory.Insert(ResourceDirectoryEntry{ID: LanguageIDEnUS, Data: entry})
	return nil
}

// GetVersionInfo reads and parses the installed RT_VERSION resource, or
// returns nil if none is present.
func (r *ResourceDirectory) GetVersionInfo(f *File) (*VersionInfo, error) {
	versionType := r.Get(ByID(ResourceTypeVersion))
	if versionType == nil || !versionType.IsDir {
		return nil, nil
	}
	nameEntry := versionType.Directory.Get(ByID(versionInfoID))
	if nameEntry == nil && len(versionType.Directory.Entries) > 0 {
		nameEntry = &versionType.Directory.Entries[0]
	}
	if nameEntry == nil || !nameEntry.IsDir || len(nameEntry.Directory.Entries) == 0 {
		return nil, nil
	}
	langEntry := nameEntry.Directory.Get(ByID(LanguageIDEnUS))
	if langEntry == nil {
		langEntry = &nameEntry.Directory.Entries[0]
	}
	payload, err := langEntry.Data.Bytes(f)
	if err != nil {
		return nil, err
	}
	return ParseVersionInfo(payload)
}

// RemoveVersionInfo deletes the installed RT_VERSION resource, if any.
func (r *ResourceDirectory) RemoveVersionInfo() {
	versionType := r.Get(ByID(ResourceTypeVersion))
	if versionType == nil || !versionType.IsDir {
		return
	}
	versionType.Directory.Remove(ByID(versionInfoID))
	if len(versionType.Directory.Entries) == 0 {
		r.Remove(ByID(ResourceTypeVersion))
	}
}

func readLE(data []byte, offset int, v interface{}) error {
	sz := binary.Size(v)
	if offset < 0 || offset+sz > len(data) {
		return errors.Wrapf(ErrOutsideBoundary, "reading %T at offset %d", v, offset)
	}
	return binary.Read(sliceReader(data[offset:offset+sz]), binary.LittleEndian, v)
}

func appendLE(dst []byte, v interface{}) []byte {
	sz := binary.Size(v)
	buf := make([]byte, 0, sz)
	w := &byteSliceWriter{buf: buf}
	_ = binary.Write(w, binary.LittleEndian, v)
	return append(dst, w.buf...)
}

type byteSliceWriter struct{ buf []byte }

func (w *byteSliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

type sliceReader []byte

func (s sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s)
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

// readU16CString reads a null-terminated UTF-16LE string starting at
// offset, returning the decoded string and the byte offset just past the
// terminator (including the 2-byte null).
func readU16CString(data []byte, offset int) (string, int, error) {
	if offset < 0 || offset > len(data) {
		return "", offset, errors.Wrap(ErrOutsideBoundary, "reading version string")
	}
	var units []uint16
	i := offset
	for i+1 < len(data) {
		u := binary.LittleEndian.Uint16(data[i:])
		i += 2
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), i, nil
}
