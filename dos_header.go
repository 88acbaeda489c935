package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type DOSHeader struct {
	Magic                    uint16
	BytesOnLastPageOfFile    uint16
	PagesInFile              uint16
	Relocations              uint16
	SizeOfHeader             uint16
	MinExtraParagraphsNeeded uint16
	MaxExtraParagraphsNeeded uint16
	InitialSS                uint16
	InitialSP                uint16
	Checksum                 uint16
	InitialIP                uint16
	InitialCS                uint16
	AddressOfRelocationTable uint16
	OverlayNumber            uint16
	ReservedWords1           [4]uint16
	OEMIdentifier            uint16
	OEMInformation           uint16
	ReservedWords2           [10]uint16
	AddressOfNewEXEHeader    uint32
}

func (f *File) readDOSHeader() error {

	r := io.NewSectionReader(f.ra, 0, int64(DOSHeaderSize))
	if err := binary.Read(r, binary.LittleEndian, &f.DOSHeader); err != nil {
		return err
	}

	if f.DOSHeader.Magic != ImageDOSSignature && f.DOSHeader.Magic != ImageDOSZMSignature {
		return errors.Wrapf(ErrInvalidDosSignature, "magic is %#x", f.DOSHeader.Magic)
	}

	// e_lfanew must clear the 64-byte DOS header it follows and stay
	// 8-byte aligned, per spec.md §3; a value like 0x29 would read
	// "PE\0\0" out of the middle of the DOS header fields instead of
	// past them.
	lfanew := f.DOSHeader.AddressOfNewEXEHeader
	if lfanew < 0x40 || lfanew%8 != 0 || lfanew > f.size {
		return errors.Wrapf(ErrMalformedHeader, "e_lfanew %#x is not >= 0x40, 8-byte aligned, and in-bounds", lfanew)
	}
	return nil
}
