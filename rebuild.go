package pe

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// RebuildOptions controls the optional-header sums Rebuild recomputes.
type RebuildOptions struct {
	// ComputeChecksum recomputes IMAGE_OPTIONAL_HEADER.CheckSum over the
	// final image. Left false, the field is zeroed, which the loader
	// accepts for anything but a driver or boot-critical binary.
	ComputeChecksum bool
	// FileAlignmentOverride replaces the image's own FileAlignment for
	// the purpose of aligning the rebuilt .rsrc section, for callers
	// patching a binary whose declared alignment they distrust. Zero
	// keeps the image's own value.
	FileAlignmentOverride uint32
}

// optionalHeaderHead32/64 mirror OptionalHeader32/64 without the trailing
// DataDirectory array, which is written separately at its declared length
// since NumberOfRvaAndSizes may be less than 16.
type optionalHeaderHead32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

type optionalHeaderHead64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

// Rebuild serializes dir as the image's resource directory and returns a
// complete, loadable PE image reflecting the result. dir is put into
// canonical order (Canonicalize) in place before it is serialized. f is
// left unmodified; callers wanting the new resource tree live should
// reparse the output with NewFileFromBytes.
//
// The algorithm: locate or allocate the .rsrc section, compute how much
// its raw and virtual size change, shift every section that follows it by
// that amount, rewrite the section header and data directory, recompute
// the optional header's size sums (and checksum, if requested), then
// reassemble headers, section payloads and the overlay in order.
func (f *File) Rebuild(dir *ResourceDirectory, opts RebuildOptions) ([]byte, error) {
	if f.OptionalHeader == nil {
		return nil, errors.Wrap(ErrNoResourceSection, "file has no optional header to rebuild")
	}
	if dir == nil {
		dir = &ResourceDirectory{}
	}
	dir.Canonicalize()

	fileAlign := f.fileAlignment()
	if opts.FileAlignmentOverride != 0 {
		fileAlign = opts.FileAlignmentOverride
	}
	sectionAlign := f.sectionAlignment()
	if fileAlign == 0 || sectionAlign == 0 {
		return nil, errors.Wrap(ErrStructuralMalformation, "image declares zero alignment")
	}

	sections := cloneSections(f.Sections)

	oldRsrc := sectionNamed(sections, resourceSectionName)
	var rsrcRawOffset, rsrcVA, oldRawSize, oldVirtSize uint32
	newHeadersSize := f.sizeOfHeaders()

	if oldRsrc != nil {
		rsrcRawOffset = oldRsrc.Offset
		rsrcVA = oldRsrc.VirtualAddress
		oldRawSize = oldRsrc.Size
		oldVirtSize = oldRsrc.VirtualSize
	} else {
		var err error
		rsrcRawOffset, rsrcVA, newHeadersSize, err = f.allocateSectionSlot(sections, fileAlign, sectionAlign)
		if err != nil {
			return nil, err
		}
	}

	newSize := dir.Size()
	if newSize > 1<<31-1 {
		return nil, errors.Wrapf(ErrCapacityExceeded, "resource blob is %d bytes", newSize)
	}

	newRawAligned := alignUpTo(newSize, fileAlign)
	newVirtAligned := alignUpTo(newSize, sectionAlign)
	deltaRaw := int64(newRawAligned) - int64(alignUpTo(oldRawSize, fileAlign))
	deltaVirt := int64(newVirtAligned) - int64(alignUpTo(oldVirtSize, sectionAlign))

	for _, s := range sections {
		if s == oldRsrc {
			continue
		}
		if s.Offset > rsrcRawOffset {
			s.Offset = shiftUint32(s.Offset, deltaRaw)
		}
		if s.VirtualAddress > rsrcVA {
			s.VirtualAddress = shiftUint32(s.VirtualAddress, deltaVirt)
		}
	}

	payload, err := dir.Build(rsrcVA, f)
	if err != nil {
		return nil, errors.Wrap(err, "serializing resource directory")
	}
	if uint32(len(payload)) != newSize {
		return nil, errors.Wrapf(ErrMalformedResourceTree, "built resource blob is %d bytes, predicted %d", len(payload), newSize)
	}

	rsrcSection := oldRsrc
	if rsrcSection == nil {
		rsrcSection = &mutableSection{}
		sections = append(sections, rsrcSection)
	}
	rsrcSection.Name = resourceSectionName
	rsrcSection.VirtualAddress = rsrcVA
	rsrcSection.VirtualSize = newSize
	rsrcSection.Offset = rsrcRawOffset
	rsrcSection.Size = newRawAligned
	rsrcSection.Characteristics = imageScnRsrcCharacteristics
	rsrcSection.payload = payload

	sort.Slice(sections, func(i, j int) bool { return sections[i].VirtualAddress < sections[j].VirtualAddress })

	dataDirs := f.dataDirectories()
	for i := range dataDirs {
		if i == ImageDirectoryEntryResource {
			continue
		}
		if dataDirs[i].VirtualAddress > rsrcVA {
			dataDirs[i].VirtualAddress = shiftUint32(dataDirs[i].VirtualAddress, deltaVirt)
		}
	}
	dataDirs[ImageDirectoryEntryResource] = DataDirectory{VirtualAddress: rsrcVA, Size: newSize}

	sizeOfInitializedData := uint32(0)
	sizeOfImage := alignUpTo(newHeadersSize, sectionAlign)
	for _, s := range sections {
		if s.Characteristics&ImageScnCntInitializedData != 0 {
			sizeOfInitializedData += s.Size
		}
		if end := alignUpTo(s.VirtualAddress+s.VirtualSize, sectionAlign); end > sizeOfImage {
			sizeOfImage = end
		}
	}

	overlay, err := readOverlay(f)
	if err != nil {
		return nil, err
	}

	image, checksumOffset, err := assembleImage(f, sections, dataDirs, newHeadersSize, sizeOfInitializedData, sizeOfImage, fileAlign, overlay)
	if err != nil {
		return nil, err
	}

	if opts.ComputeChecksum {
		sum := ComputeChecksum(image, checksumOffset)
		binary.LittleEndian.PutUint32(image[checksumOffset:], sum)
	}

	return image, nil
}

func (f *File) fileAlignment() uint32 {
	if f.Is64 {
		return f.OptionalHeader.(*OptionalHeader64).FileAlignment
	}
	return f.OptionalHeader.(*OptionalHeader32).FileAlignment
}

func (f *File) sectionAlignment() uint32 {
	if f.Is64 {
		return f.OptionalHeader.(*OptionalHeader64).SectionAlignment
	}
	return f.OptionalHeader.(*OptionalHeader32).SectionAlignment
}

func (f *File) sizeOfHeaders() uint32 {
	if f.Is64 {
		return f.OptionalHeader.(*OptionalHeader64).SizeOfHeaders
	}
	return f.OptionalHeader.(*OptionalHeader32).SizeOfHeaders
}

func (f *File) dataDirectories() [16]DataDirectory {
	if f.Is64 {
		return f.OptionalHeader.(*OptionalHeader64).DataDirectory
	}
	return f.OptionalHeader.(*OptionalHeader32).DataDirectory
}

func (f *File) numberOfRvaAndSizes() uint32 {
	if f.Is64 {
		return f.OptionalHeader.(*OptionalHeader64).NumberOfRvaAndSizes
	}
	return f.OptionalHeader.(*OptionalHeader32).NumberOfRvaAndSizes
}

// allocateSectionSlot finds the raw offset and virtual address for a brand
// new trailing section, growing SizeOfHeaders (and shifting every existing
// section's raw data by the same amount) if the current header region has no slack
// left for one more 40-byte IMAGE_SECTION_HEADER.
func (f *File) allocateSectionSlot(sections []*mutableSection, fileAlign, sectionAlign uint32) (rawOffset, virtualAddress, headersSize uint32, err error) {
	if len(sections) >= maxSections {
		return 0, 0, 0, errors.Wrapf(ErrCapacityExceeded, "image already has %d sections", len(sections))
	}

	structuralEnd := f.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(binary.Size(FileHeader{})) +
		uint32(f.FileHeader.SizeOfOptionalHeader) + uint32(len(sections))*uint32(binary.Size(SectionHeader32{}))
	needed := structuralEnd + uint32(binary.Size(SectionHeader32{}))

	headersSize = f.sizeOfHeaders()
	if needed > headersSize {
		grown := alignUpTo(needed, fileAlign)
		// section_align >= file_align >= 0x200 guarantees the first
		// section always starts at least a full section_align past file
		// offset 0, so growing SizeOfHeaders by any amount up to that
		// boundary never collides with it. A grown size beyond the
		// alignment unit itself would require shifting the first
		// section's own virtual address, which this simple append path
		// does not support.
		if grown > sectionAlign {
			return 0, 0, 0, errors.Wrapf(ErrNotEnoughHeaderSpace,
				"growing headers to %d bytes exceeds section alignment %d", grown, sectionAlign)
		}
		delta := int64(grown) - int64(headersSize)
		for _, s := range sections {
			s.Offset = shiftUint32(s.Offset, delta)
		}
		headersSize = grown
	}

	var lastRawEnd, lastVirtEnd uint32
	for _, s := range sections {
		if end := s.Offset + s.Size; end > lastRawEnd {
			lastRawEnd = end
		}
		if end := s.VirtualAddress + s.VirtualSize; end > lastVirtEnd {
			lastVirtEnd = end
		}
	}
	if lastRawEnd < headersSize {
		lastRawEnd = headersSize
	}
	if lastVirtEnd < sectionAlign {
		lastVirtEnd = sectionAlign
	}

	return alignUpTo(lastRawEnd, fileAlign), alignUpTo(lastVirtEnd, sectionAlign), headersSize, nil
}

func alignUpTo(n, align uint32) uint32 {
	if align == 0 {
		return n
	}
	if rem := n % align; rem != 0 {
		return n + align - rem
	}
	return n
}

func shiftUint32(v uint32, delta int64) uint32 {
	result := int64(v) + delta
	if result < 0 {
		return 0
	}
	return uint32(result)
}

// mutableSection is the rebuild-time working copy of a Section: header
// fields the rebuilder rewrites, plus either a lazily-read payload from
// the original file or one set directly (the rebuilt .rsrc blob).
type mutableSection struct {
	SectionHeader
	source  *Section
	payload []byte
}

func cloneSections(in []*Section) []*mutableSection {
	out := make([]*mutableSection, len(in))
	for i, s := range in {
		out[i] = &mutableSection{SectionHeader: s.SectionHeader, source: s}
	}
	return out
}

func sectionNamed(sections []*mutableSection, name string) *mutableSection {
	for _, s := range sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (s *mutableSection) data() ([]byte, error) {
	if s.payload != nil {
		return s.payload, nil
	}
	if s.Offset == 0 {
		return nil, nil
	}
	return s.source.Data()
}

func readOverlay(f *File) ([]byte, error) {
	sr := f.GetOverlay()
	if sr == nil {
		return nil, nil
	}
	data, err := io.ReadAll(sr)
	if err != nil {
		return nil, errors.Wrap(err, "reading overlay")
	}
	return data, nil
}

// assembleImage writes the final byte image: DOS header and stub, NT
// headers with the supplied sums, one IMAGE_SECTION_HEADER per section (in
// virtual-address order), zero padding out to headersSize, then every
// section's raw payload at its declared offset (in raw-offset order), and
// finally the overlay. It returns the image and the byte offset of the
// CheckSum field within it.
func assembleImage(f *File, sections []*mutableSection, dataDirs [16]DataDirectory, headersSize, sizeOfInitializedData, sizeOfImage, fileAlign uint32, overlay []byte) ([]byte, uint32, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, &f.DOSHeader); err != nil {
		return nil, 0, errors.Wrap(err, "writing DOS header")
	}
	stubEnd := f.DOSHeader.AddressOfNewEXEHeader
	if stubEnd > uint32(len(f.Header)) {
		stubEnd = uint32(len(f.Header))
	}
	if stub := f.Header[uint32(buf.Len()):stubEnd]; len(stub) > 0 {
		buf.Write(stub)
	}
	for uint32(buf.Len()) < f.DOSHeader.AddressOfNewEXEHeader {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(ImageNTHeaderSignature)); err != nil {
		return nil, 0, err
	}

	fh := f.FileHeader
	fh.NumberOfSections = uint16(len(sections))
	if err := binary.Write(&buf, binary.LittleEndian, &fh); err != nil {
		return nil, 0, errors.Wrap(err, "writing file header")
	}

	checksumOffset, err := writeOptionalHeader(&buf, f, headersSize, sizeOfInitializedData, sizeOfImage, dataDirs)
	if err != nil {
		return nil, 0, err
	}

	byRaw := make([]*mutableSection, len(sections))
	copy(byRaw, sections)
	sort.Slice(byRaw, func(i, j int) bool { return byRaw[i].Offset < byRaw[j].Offset })

	for _, s := range sections { // section table stays in VA order
		var sh SectionHeader32
		copy(sh.Name[:], []byte(s.Name))
		sh.VirtualSize = s.VirtualSize
		sh.VirtualAddress = s.VirtualAddress
		sh.SizeOfRawData = s.Size
		sh.PointerToRawData = s.Offset
		sh.PointerToRelocations = s.PointerToRelocations
		sh.PointerToLineNumbers = s.PointerToLineNumbers
		sh.NumberOfRelocations = s.NumberOfRelocations
		sh.NumberOfLineNumbers = s.NumberOfLineNumbers
		sh.Characteristics = s.Characteristics
		if err := binary.Write(&buf, binary.LittleEndian, &sh); err != nil {
			return nil, 0, errors.Wrap(err, "writing section header")
		}
	}

	for uint32(buf.Len()) < headersSize {
		buf.WriteByte(0)
	}

	for _, s := range byRaw {
		if s.Offset == 0 {
			continue // unmapped (.bss-style) section: nothing on disk
		}
		for uint32(buf.Len()) < s.Offset {
			buf.WriteByte(0)
		}
		data, err := s.data()
		if err != nil {
			return nil, 0, errors.Wrapf(err, "reading %q payload", s.Name)
		}
		buf.Write(data)
		for uint32(buf.Len()) < s.Offset+s.Size {
			buf.WriteByte(0)
		}
	}

	buf.Write(overlay)

	return buf.Bytes(), checksumOffset, nil
}

func writeOptionalHeader(buf *bytes.Buffer, f *File, headersSize, sizeOfInitializedData, sizeOfImage uint32, dataDirs [16]DataDirectory) (checksumOffset uint32, err error) {
	n := f.numberOfRvaAndSizes()
	start := uint32(buf.Len())

	if f.Is64 {
		oh := f.OptionalHeader.(*OptionalHeader64)
		head := optionalHeaderHead64{
			Magic: oh.Magic, MajorLinkerVersion: oh.MajorLinkerVersion, MinorLinkerVersion: oh.MinorLinkerVersion,
			SizeOfCode: oh.SizeOfCode, SizeOfInitializedData: sizeOfInitializedData, SizeOfUninitializedData: oh.SizeOfUninitializedData,
			AddressOfEntryPoint: oh.AddressOfEntryPoint, BaseOfCode: oh.BaseOfCode, ImageBase: oh.ImageBase,
			SectionAlignment: oh.SectionAlignment, FileAlignment: oh.FileAlignment,
			MajorOperatingSystemVersion: oh.MajorOperatingSystemVersion, MinorOperatingSystemVersion: oh.MinorOperatingSystemVersion,
			MajorImageVersion: oh.MajorImageVersion, MinorImageVersion: oh.MinorImageVersion,
			MajorSubsystemVersion: oh.MajorSubsystemVersion, MinorSubsystemVersion: oh.MinorSubsystemVersion,
			Win32VersionValue: oh.Win32VersionValue, SizeOfImage: sizeOfImage, SizeOfHeaders: headersSize, CheckSum: 0,
			Subsystem: oh.Subsystem, DllCharacteristics: oh.DllCharacteristics,
			SizeOfStackReserve: oh.SizeOfStackReserve, SizeOfStackCommit: oh.SizeOfStackCommit,
			SizeOfHeapReserve: oh.SizeOfHeapReserve, SizeOfHeapCommit: oh.SizeOfHeapCommit,
			LoaderFlags: oh.LoaderFlags, NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		}
		checksumOffset = start + optionalHeaderCheckSumOffset
		if err := binary.Write(buf, binary.LittleEndian, &head); err != nil {
			return 0, errors.Wrap(err, "writing optional header")
		}
	} else {
		oh := f.OptionalHeader.(*OptionalHeader32)
		head := optionalHeaderHead32{
			Magic: oh.Magic, MajorLinkerVersion: oh.MajorLinkerVersion, MinorLinkerVersion: oh.MinorLinkerVersion,
			SizeOfCode: oh.SizeOfCode, SizeOfInitializedData: sizeOfInitializedData, SizeOfUninitializedData: oh.SizeOfUninitializedData,
			AddressOfEntryPoint: oh.AddressOfEntryPoint, BaseOfCode: oh.BaseOfCode, BaseOfData: oh.BaseOfData, ImageBase: oh.ImageBase,
			SectionAlignment: oh.SectionAlignment, FileAlignment: oh.FileAlignment,
			MajorOperatingSystemVersion: oh.MajorOperatingSystemVersion, MinorOperatingSystemVersion: oh.MinorOperatingSystemVersion,
			MajorImageVersion: oh.MajorImageVersion, MinorImageVersion: oh.MinorImageVersion,
			MajorSubsystemVersion: oh.MajorSubsystemVersion, MinorSubsystemVersion: oh.MinorSubsystemVersion,
			Win32VersionValue: oh.Win32VersionValue, SizeOfImage: sizeOfImage, SizeOfHeaders: headersSize, CheckSum: 0,
			Subsystem: oh.Subsystem, DllCharacteristics: oh.DllCharacteristics,
			SizeOfStackReserve: oh.SizeOfStackReserve, SizeOfStackCommit: oh.SizeOfStackCommit,
			SizeOfHeapReserve: oh.SizeOfHeapReserve, SizeOfHeapCommit: oh.SizeOfHeapCommit,
			LoaderFlags: oh.LoaderFlags, NumberOfRvaAndSizes: oh.NumberOfRvaAndSizes,
		}
		checksumOffset = start + optionalHeaderCheckSumOffset
		if err := binary.Write(buf, binary.LittleEndian, &head); err != nil {
			return 0, errors.Wrap(err, "writing optional header")
		}
	}

	if err := binary.Write(buf, binary.LittleEndian, dataDirs[:n]); err != nil {
		return 0, errors.Wrap(err, "writing data directories")
	}
	return checksumOffset, nil
}

// optionalHeaderCheckSumOffset is CheckSum's byte offset from the start of
// the optional header, identical for PE32 and PE32+: IMAGE_BASE grows by
// 4 bytes between the two, but PE32 carries an extra 4-byte BaseOfData
// field PE32+ drops, so the running total through SizeOfHeaders lands on
// the same offset either way.
const optionalHeaderCheckSumOffset = 64
