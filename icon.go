package pe

import (
	"github.com/pkg/errors"
)

// IconDirHeader is the 6-byte ICONDIR header at the start of an .ico
// container (and, in spirit, a GRPICONDIR resource payload).
type IconDirHeader struct {
	Reserved uint16
	Type     uint16 // 1 for icons, 2 for cursors
	Count    uint16
}

// IconDirEntry is one 16-byte ICONDIRENTRY in an on-disk .ico container.
type IconDirEntry struct {
	Width      uint8
	Height     uint8
	ColorCount uint8
	Reserved   uint8
	Planes     uint16
	BitCount   uint16
	BytesInRes uint32
	ImageOffset uint32
}

// GroupIconDirEntry is one 14-byte GRPICONDIRENTRY within a RT_GROUP_ICON
// resource payload: identical to IconDirEntry except the last 4-byte
// file offset is replaced by a 2-byte resource ID referencing the
// matching RT_ICON entry.
type GroupIconDirEntry struct {
	Width      uint8
	Height     uint8
	ColorCount uint8
	Reserved   uint8
	Planes     uint16
	BitCount   uint16
	BytesInRes uint32
	ID         uint16
}

// IconImage is one decoded image within an ICO container: its raw bytes
// (a DIB or a PNG, whichever the container stored) plus the directory
// metadata needed to rebuild an ICONDIRENTRY for it.
type IconImage struct {
	Entry IconDirEntry
	Data  []byte
}

// ParseICO splits an in-memory .ico container into its directory entries
// and per-image payloads.
func ParseICO(data []byte) ([]IconImage, error) {
	if len(data) < 6 {
		return nil, errors.Wrap(ErrInvalidIconContainer, "icon data shorter than ICONDIR header")
	}
	var header IconDirHeader
	if err := readLE(data, 0, &header); err != nil {
		return nil, errors.Wrap(ErrInvalidIconContainer, err.Error())
	}
	if header.Type != 1 {
		return nil, errors.Wrap(ErrInvalidIconContainer, "type field is not 1 (icon)")
	}
	if header.Count == 0 {
		return nil, errors.Wrap(ErrInvalidIconContainer, "directory has no images")
	}

	images := make([]IconImage, 0, header.Count)
	for i := 0; i < int(header.Count); i++ {
		entryOffset := 6 + i*16
		if entryOffset+16 > len(data) {
			return nil, errors.Wrap(ErrInvalidIconContainer, "directory truncated")
		}
		var entry IconDirEntry
		if err := readLE(data, entryOffset, &entry); err != nil {
			return nil, err
		}
		start, size := int(entry.ImageOffset), int(entry.BytesInRes)
		if start < 0 || size < 0 || start+size > len(data) {
			return nil, errors.Wrap(ErrInvalidIconContainer, "image payload out of bounds")
		}
		images = append(images, IconImage{Entry: entry, Data: data[start : start+size]})
	}
	return images, nil
}

// BuildICO reassembles an .ico container from a set of images, for
// callers that want to extract an executable's installed icon as a
// standalone file.
func BuildICO(images []IconImage) []byte {
	header := IconDirHeader{Type: 1, Count: uint16(len(images))}
	out := appendLE(nil, header)

	dataOffset := 6 + len(images)*16
	var payload []byte
	for _, img := range images {
		entry := img.Entry
		entry.BytesInRes = uint32(len(img.Data))
		entry.ImageOffset = uint32(dataOffset + len(payload))
		out = appendLE(out, entry)
		payload = append(payload, img.Data...)
	}
	return append(out, payload...)
}

// SetMainIcon installs images as the executable's main icon group,
// replacing any existing MAINICON group-icon table and the RT_ICON
// entries it referenced. Each image becomes its own RT_ICON leaf at a
// fresh numeric ID, and a RT_GROUP_ICON table is written referencing them
// in order. f resolves the payload of a previously installed MAINICON
// table, if any; it may be nil when r carries no parsed file behind it.
func (r *ResourceDirectory) SetMainIcon(images []IconImage, f *File) error {
	if len(images) == 0 {
		return errors.New("no icon images supplied")
	}
	if err := r.RemoveMainIcon(f); err != nil {
		return err
	}

	iconType := r.Get(ByID(ResourceTypeIcon))
	if iconType == nil {
		iconType = &ResourceDirectoryEntry{ID: ResourceTypeIcon, IsDir: true}
		r.Insert(*iconType)
		iconType = r.Get(ByID(ResourceTypeIcon))
	}

	nextID := firstFreeID(iconType.Directory)

	group := make([]GroupIconDirEntry, 0, len(images))
	for _, img := range images {
		id := nextID
		nextID++

		lang := ResourceDirectoryEntry{ID: LanguageIDEnUS, Data: newDataEntry(LanguageIDEnUS, img.Data)}
		lang.Data.SetBytes(img.Data)
		iconSub := ResourceDirectory{}
		iconSub.Insert(lang)
		iconType.Directory.Insert(ResourceDirectoryEntry{ID: id, IsDir: true, Directory: iconSub})

		group = append(group, GroupIconDirEntry{
			Width:      img.Entry.Width,
			Height:     img.Entry.Height,
			ColorCount: img.Entry.ColorCount,
			Planes:     img.Entry.Planes,
			BitCount:   img.Entry.BitCount,
			BytesInRes: uint32(len(img.Data)),
			ID:         uint16(id),
		})
	}

	groupType := r.Get(ByID(ResourceTypeGroupIcon))
	if groupType == nil {
		groupType = &ResourceDirectoryEntry{ID: ResourceTypeGroupIcon, IsDir: true}
		r.Insert(*groupType)
		groupType = r.Get(ByID(ResourceTypeGroupIcon))
	}

	groupPayload := buildGroupIconDirectory(group)
	langEntry := ResourceDirectoryEntry{
		ID:    LanguageIDEnUS,
		IsDir: false,
		Data:  newDataEntry(LanguageIDEnUS, groupPayload),
	}
	langEntry.Data.SetBytes(groupPayload)
	nameSub := ResourceDirectory{}
	nameSub.Insert(langEntry)
	groupType.Directory.Insert(ResourceDirectoryEntry{Name: MainIconName, IsDir: true, Directory: nameSub})
	return nil
}

func firstFreeID(dir ResourceDirectory) uint32 {
	max := uint32(0)
	for _, e := range dir.Entries {
		if e.Name == "" && e.ID > max {
			max = e.ID
		}
	}
	return max + 1
}

func buildGroupIconDirectory(entries []GroupIconDirEntry) []byte {
	header := IconDirHeader{Type: 1, Count: uint16(len(entries))}
	out := appendLE(nil, header)
	for _, e := range entries {
		out = appendLE(out, e)
	}
	return out
}

// GetMainIcon returns the raw ICO-image payloads installed under
// MAINICON (or, failing that, the first group icon table), in the order
// the GRPICONDIR lists them. Returns nil if no icon is installed.
func (r *ResourceDirectory) GetMainIcon(f *File) ([]IconImage, error) {
	groupType := r.Get(ByID(ResourceTypeGroupIcon))
	if groupType == nil || !groupType.IsDir {
		return nil, nil
	}
	nameEntry := groupType.Directory.Get(ByName(MainIconName))
	if nameEntry == nil && len(groupType.Directory.Entries) > 0 {
		nameEntry = &groupType.Directory.Entries[0]
	}
	if nameEntry == nil || !nameEntry.IsDir || len(nameEntry.Directory.Entries) == 0 {
		return nil, nil
	}
	langEntry := &nameEntry.Directory.Entries[0]
	groupData, err := langEntry.Data.Bytes(f)
	if err != nil {
		return nil, err
	}
	if len(groupData) < 6 {
		return nil, errors.Wrap(ErrInvalidIconContainer, "group icon payload too small")
	}
	var header IconDirHeader
	if err := readLE(groupData, 0, &header); err != nil {
		return nil, err
	}

	iconType := r.Get(ByID(ResourceTypeIcon))
	if iconType == nil || !iconType.IsDir {
		return nil, errors.New("group icon present without an RT_ICON table")
	}

	images := make([]IconImage, 0, header.Count)
	for i := 0; i < int(header.Count); i++ {
		off := 6 + i*14
		if off+14 > len(groupData) {
			return nil, errors.Wrap(ErrInvalidIconContainer, "group icon directory truncated")
		}
		var grp GroupIconDirEntry
		if err := readLE(groupData, off, &grp); err != nil {
			return nil, err
		}
		iconEntry := iconType.Directory.Get(ByID(uint32(grp.ID)))
		if iconEntry == nil || !iconEntry.IsDir || len(iconEntry.Directory.Entries) == 0 {
			continue
		}
		data, err := iconEntry.Directory.Entries[0].Data.Bytes(f)
		if err != nil {
			return nil, err
		}
		images = append(images, IconImage{
			Entry: IconDirEntry{
				Width: grp.Width, Height: grp.Height, ColorCount: grp.ColorCount,
				Planes: grp.Planes, BitCount: grp.BitCount, BytesInRes: uint32(len(data)),
			},
			Data: data,
		})
	}
	return images, nil
}

// RemoveMainIcon deletes the MAINICON group-icon table and every RT_ICON
// leaf it referenced (but leaves other group-icon tables and the icons
// they reference intact).
func (r *ResourceDirectory) RemoveMainIcon(f *File) error {
	groupType := r.Get(ByID(ResourceTypeGroupIcon))
	if groupType == nil || !groupType.IsDir {
		return nil
	}
	nameKey := ByName(MainIconName)
	nameEntry := groupType.Directory.Get(nameKey)
	if nameEntry == nil {
		return nil
	}

	var referencedIDs []uint32
	if len(nameEntry.Directory.Entries) > 0 {
		groupData, err := nameEntry.Directory.Entries[0].Data.Bytes(f)
		if err == nil && len(groupData) >= 6 {
			var header IconDirHeader
			_ = readLE(groupData, 0, &header)
			for i := 0; i < int(header.Count); i++ {
				off := 6 + i*14
				if off+14 > len(groupData) {
					break
				}
				var grp GroupIconDirEntry
				if readLE(groupData, off, &grp) == nil {
					referencedIDs = append(referencedIDs, uint32(grp.ID))
				}
			}
		}
	}

	groupType.Directory.Remove(nameKey)
	if len(groupType.Directory.Entries) == 0 {
		r.Remove(ByID(ResourceTypeGroupIcon))
	}
	if iconType := r.Get(ByID(ResourceTypeIcon)); iconType != nil {
		for _, id := range referencedIDs {
			iconType.Directory.Remove(ByID(id))
		}
		if len(iconType.Directory.Entries) == 0 {
			r.Remove(ByID(ResourceTypeIcon))
		}
	}
	return nil
}
