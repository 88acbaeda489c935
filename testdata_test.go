package pe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// rawSection describes one section buildMinimalPE32Sections should lay
// out, in the order given; name must fit in the 8-byte on-disk field.
type rawSection struct {
	name  string
	body  []byte
	flags uint32
}

// buildMinimalPE32 returns a minimal, valid in-memory PE32 image with a
// single ".text" section holding body and no resource directory. No
// binary fixtures are checked into this module, so tests that need a
// parseable image build their own byte-exact one here instead of
// reading a file from disk.
func buildMinimalPE32(body []byte) []byte {
	return buildMinimalPE32Sections([]rawSection{
		{name: ".text", body: body, flags: ImageScnCntInitializedData | ImageScnMemExecute | ImageScnMemRead},
	})
}

// buildMinimalPE32Sections is buildMinimalPE32 generalized to an
// arbitrary ordered list of sections, letting tests exercise the
// rebuilder's shift-every-following-section path against a section that
// sits after the one being resized.
func buildMinimalPE32Sections(specs []rawSection) []byte {
	const (
		fileAlignment    = 0x200
		sectionAlignment = 0x1000
		lfanew           = 0x40
	)

	optionalHeaderSize := uint16(binary.Size(OptionalHeader32{}))
	sectionHeaderSize := uint32(binary.Size(SectionHeader32{}))
	headersSize := alignUpTo(lfanew+4+uint32(binary.Size(FileHeader{}))+uint32(optionalHeaderSize)+sectionHeaderSize*uint32(len(specs)), fileAlignment)

	type laidOut struct {
		spec       rawSection
		va, offset uint32
		rawSize    uint32
		virtSize   uint32
	}
	sections := make([]laidOut, len(specs))
	rawCursor, virtCursor := headersSize, sectionAlignment
	for i, spec := range specs {
		virtSize := uint32(len(spec.body))
		if virtSize == 0 {
			virtSize = 1
		}
		rawSize := alignUpTo(uint32(len(spec.body)), fileAlignment)
		sections[i] = laidOut{spec: spec, va: uint32(virtCursor), offset: rawCursor, rawSize: rawSize, virtSize: virtSize}
		rawCursor += rawSize
		virtCursor += int(alignUpTo(virtSize, sectionAlignment))
	}

	var buf bytes.Buffer
	dos := DOSHeader{Magic: ImageDOSSignature, AddressOfNewEXEHeader: lfanew}
	_ = binary.Write(&buf, binary.LittleEndian, &dos)
	for uint32(buf.Len()) < lfanew {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ImageNTHeaderSignature))

	fh := FileHeader{
		Machine:              0x14c,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: optionalHeaderSize,
		Characteristics:      0x0102,
	}
	_ = binary.Write(&buf, binary.LittleEndian, &fh)

	oh := OptionalHeader32{
		Magic:                 0x10b,
		MajorLinkerVersion:    1,
		AddressOfEntryPoint:   sectionAlignment,
		BaseOfCode:            sectionAlignment,
		ImageBase:             0x400000,
		SectionAlignment:      sectionAlignment,
		FileAlignment:         fileAlignment,
		MajorSubsystemVersion: 4,
		SizeOfImage:           alignUpTo(uint32(virtCursor), sectionAlignment),
		SizeOfHeaders:         headersSize,
		Subsystem:             3,
		NumberOfRvaAndSizes:   16,
	}
	_ = binary.Write(&buf, binary.LittleEndian, &oh)

	for _, s := range sections {
		var sh SectionHeader32
		copy(sh.Name[:], s.spec.name)
		sh.VirtualSize = s.virtSize
		sh.VirtualAddress = s.va
		sh.SizeOfRawData = s.rawSize
		sh.PointerToRawData = s.offset
		sh.Characteristics = s.spec.flags
		_ = binary.Write(&buf, binary.LittleEndian, &sh)
	}

	for uint32(buf.Len()) < headersSize {
		buf.WriteByte(0)
	}
	for _, s := range sections {
		for uint32(buf.Len()) < s.offset {
			buf.WriteByte(0)
		}
		buf.Write(s.spec.body)
		for uint32(buf.Len()) < s.offset+s.rawSize {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes()
}

// mustParse parses data and fails the test immediately on error.
func mustParse(t *testing.T, data []byte) *File {
	t.Helper()
	f, err := NewFileFromBytes(data)
	if err != nil {
		t.Fatalf("NewFileFromBytes: %v", err)
	}
	return f
}
