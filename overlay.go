package pe

import (
	"io"
)

// fileRange is a byte span inside the image, expressed as an
// offset/size pair read straight off a header field — it may run past
// EOF on a truncated or hand-crafted file, so every use checks bounds
// before trusting it.
type fileRange struct {
	offset, size uint32
}

// end returns the exclusive end of the range, saturating rather than
// wrapping if offset+size overflows uint32.
func (r fileRange) end() uint32 {
	sum := r.offset + r.size
	if sum < r.offset {
		return ^uint32(0)
	}
	return sum
}

// headerClaimedRanges collects every byte range the headers claim to
// occupy: the optional header itself, each section's raw data, and
// every data directory's target except IMAGE_DIRECTORY_ENTRY_SECURITY
// (the authenticode signature, whose bytes usually trail the last
// section and so stay inside the overlay the rebuilder copies through
// unchanged).
func (f *File) headerClaimedRanges() []fileRange {
	ranges := []fileRange{{
		offset: f.DOSHeader.AddressOfNewEXEHeader + 24,
		size:   uint32(f.FileHeader.SizeOfOptionalHeader),
	}}

	for _, section := range f.Sections {
		ranges = append(ranges, fileRange{offset: section.Offset, size: section.Size})
	}

	var dataDirs [16]DataDirectory
	if f.Is64 {
		dataDirs = f.OptionalHeader.(*OptionalHeader64).DataDirectory
	} else {
		dataDirs = f.OptionalHeader.(*OptionalHeader32).DataDirectory
	}
	for idx, dir := range dataDirs {
		if idx == ImageDirectoryEntrySecurity {
			continue
		}
		ranges = append(ranges, fileRange{offset: f.getOffsetFromRva(dir.VirtualAddress), size: dir.Size})
	}
	return ranges
}

// getOverlayDataStartOffset returns the byte offset where data appended
// after the image proper begins, or 0 if the file has no overlay. The
// image's declared content is whichever header-claimed range ends
// furthest into the file while still fitting inside it; anything past
// that end is overlay.
func (f *File) getOverlayDataStartOffset() uint32 {
	if f.OptionalHeader == nil {
		return 0
	}

	var furthest fileRange
	for _, r := range f.headerClaimedRanges() {
		if r.end() <= f.size && r.end() > furthest.end() {
			furthest = r
		}
	}

	if f.size-furthest.size > furthest.offset {
		return furthest.end()
	}
	return 0
}

// GetOverlay returns a reader over the bytes appended after the image's
// declared content, or nil if there are none. Rebuild reads this to
// carry overlay data (installers frequently append a trailer here, e.g.
// a digital signature catalog or bundled payload) across a rebuild
// unchanged.
func (f *File) GetOverlay() *io.SectionReader {
	f.OverlayOffset = int64(f.getOverlayDataStartOffset())
	if f.OverlayOffset != 0 {
		return io.NewSectionReader(f.sr, f.OverlayOffset, int64(f.size)-f.OverlayOffset)
	}
	return nil
}
