package pe

import (
	"encoding/binary"
	"errors"
	"testing"
)

// sectionHeaderOffset returns the file offset of the i'th on-disk
// SectionHeader32 in an image built by buildMinimalPE32Sections, so a
// test can corrupt one field without reconstructing the whole layout.
func sectionHeaderOffset(numSections, i int) uint32 {
	const lfanew = 0x40
	optionalHeaderSize := uint32(binary.Size(OptionalHeader32{}))
	sectionHeaderSize := uint32(binary.Size(SectionHeader32{}))
	tableStart := lfanew + 4 + uint32(binary.Size(FileHeader{})) + optionalHeaderSize
	return tableStart + sectionHeaderSize*uint32(i)
}

// TestParse_RejectsExcessiveSectionCount covers spec.md §4.1 step 2: a
// COFF header declaring more sections than the format can address is
// rejected at parse time rather than truncated or silently capped.
func TestParse_RejectsExcessiveSectionCount(t *testing.T) {
	specs := make([]rawSection, maxSections+1)
	for i := range specs {
		specs[i] = rawSection{name: "s", flags: ImageScnCntInitializedData | ImageScnMemRead}
	}
	data := buildMinimalPE32Sections(specs)

	_, err := NewFileFromBytes(data)
	if err == nil {
		t.Fatal("NewFileFromBytes: want error for oversized section count, got nil")
	}
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("NewFileFromBytes: err = %v, want wrapping ErrCapacityExceeded", err)
	}
}

// TestParse_RejectsOutOfOrderSections covers spec.md §3 and §8 property
// 3: a section table that isn't sorted ascending by virtual address is
// rejected rather than silently re-sorted.
func TestParse_RejectsOutOfOrderSections(t *testing.T) {
	data := buildMinimalPE32Sections([]rawSection{
		{name: ".text", body: []byte{0x90}, flags: ImageScnCntInitializedData | ImageScnMemRead},
		{name: ".data", body: []byte{0x01}, flags: ImageScnCntInitializedData | ImageScnMemRead},
	})

	// Swap the two sections' VirtualAddress fields so the table is
	// declared in descending VA order while everything else (raw
	// offsets, sizes) stays self-consistent.
	off0 := sectionHeaderOffset(2, 0) + 12 // VirtualAddress field offset within SectionHeader32
	off1 := sectionHeaderOffset(2, 1) + 12

	va0 := binary.LittleEndian.Uint32(data[off0 : off0+4])
	va1 := binary.LittleEndian.Uint32(data[off1 : off1+4])
	binary.LittleEndian.PutUint32(data[off0:off0+4], va1)
	binary.LittleEndian.PutUint32(data[off1:off1+4], va0)

	_, err := NewFileFromBytes(data)
	if err == nil {
		t.Fatal("NewFileFromBytes: want error for out-of-order section table, got nil")
	}
	if !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("NewFileFromBytes: err = %v, want wrapping ErrMalformedHeader", err)
	}
}

// TestParse_RejectsOverlappingSections covers spec.md §8 property 3: two
// sections whose virtual ranges overlap are rejected even when they are
// already in ascending VA order.
func TestParse_RejectsOverlappingSections(t *testing.T) {
	data := buildMinimalPE32Sections([]rawSection{
		{name: ".text", body: []byte{0x90}, flags: ImageScnCntInitializedData | ImageScnMemRead},
		{name: ".data", body: []byte{0x01}, flags: ImageScnCntInitializedData | ImageScnMemRead},
	})

	// Inflate the first section's VirtualSize so it runs into the
	// second section's virtual address.
	vsOff := sectionHeaderOffset(2, 0) + 8 // VirtualSize field offset within SectionHeader32
	vaOff := sectionHeaderOffset(2, 1) + 12
	secondVA := binary.LittleEndian.Uint32(data[vaOff : vaOff+4])
	binary.LittleEndian.PutUint32(data[vsOff:vsOff+4], secondVA+0x1000)

	_, err := NewFileFromBytes(data)
	if err == nil {
		t.Fatal("NewFileFromBytes: want error for overlapping section table, got nil")
	}
	if !errors.Is(err, ErrSectionOverlap) {
		t.Errorf("NewFileFromBytes: err = %v, want wrapping ErrSectionOverlap", err)
	}
}
