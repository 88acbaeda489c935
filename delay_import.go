package pe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ImageDelayImportDirectory is one IMAGE_DELAYLOAD_DESCRIPTOR: a module
// whose import thunks are resolved lazily, on first call, rather than
// at load time. Older linkers wrote the thunk tables as absolute VAs
// (Attributes == 0) instead of RVAs; readImports32/64 detect that case
// and subtract ImageBase back out.
type ImageDelayImportDirectory struct {
	Attributes                 uint32
	Name                       uint32
	ModuleHandleRVA            uint32
	ImportAddressTableRVA      uint32
	ImportNameTableRVA         uint32
	BoundImportAddressTableRVA uint32
	UnloadInformationTableRVA  uint32
	TimeDateStamp              uint32
}

// DelayImport is an ImageDelayImportDirectory with its module name and
// thunk table resolved into ImportFunctions, mirroring Import for the
// eager import table.
type DelayImport struct {
	Offset     uint32
	Name       string
	Functions  []*ImportFunction
	Descriptor ImageDelayImportDirectory
}

const delayImportDescSize = 32

// readDelayImportDirectory walks IMAGE_DIRECTORY_ENTRY_DELAY_IMPORT the
// same way readImportDirectory walks the eager import table: locate the
// section holding it, decode one ImageDelayImportDirectory per
// descriptor until a zeroed one terminates the table, then resolve each
// into the functions it names.
func (f *File) readDelayImportDirectory() error {
	if f.OptionalHeader == nil {
		return nil
	}

	dirRVA, _ := f.dataDirectory(ImageDirectoryEntryDelayImport)
	if dirRVA == 0 {
		return nil
	}

	section := f.getSectionByRva(dirRVA)
	if section == nil {
		return nil
	}

	data, err := section.Data()
	if err != nil {
		return errors.Wrap(err, "reading delay-import directory section")
	}
	data = data[dirRVA-section.VirtualAddress:]

	var descriptors []ImageDelayImportDirectory
	for len(data) >= delayImportDescSize {
		var d ImageDelayImportDirectory
		d.Attributes = binary.LittleEndian.Uint32(data[0:4])
		d.Name = binary.LittleEndian.Uint32(data[4:8])
		d.ModuleHandleRVA = binary.LittleEndian.Uint32(data[8:12])
		d.ImportAddressTableRVA = binary.LittleEndian.Uint32(data[12:16])
		d.ImportNameTableRVA = binary.LittleEndian.Uint32(data[16:20])
		d.BoundImportAddressTableRVA = binary.LittleEndian.Uint32(data[20:24])
		d.UnloadInformationTableRVA = binary.LittleEndian.Uint32(data[24:28])
		d.TimeDateStamp = binary.LittleEndian.Uint32(data[28:32])
		data = data[delayImportDescSize:]
		if d.Name == 0 {
			break
		}
		descriptors = append(descriptors, d)
	}

	rva := dirRVA
	for _, d := range descriptors {
		fileOffset := f.getOffsetFromRva(rva)
		rva += delayImportDescSize
		maxLen := f.size - fileOffset

		var functions []*ImportFunction
		var err error
		if f.Is64 {
			functions, err = f.readImports64(&d, maxLen)
		} else {
			functions, err = f.readImports32(&d, maxLen)
		}
		if err != nil {
			// A damaged delay-import descriptor is skipped rather than
			// failing the whole directory: delay-load entries are
			// optional optimizations, not structural to the image the
			// way the eager import table is.
			if errors.Is(err, ErrDamagedImportTable) {
				continue
			}
			return err
		}

		name := f.getStringAtRVA(d.Name, maxDllLength)
		if !IsValidDosFilename(name) {
			continue
		}

		f.DelayImports = append(f.DelayImports, &DelayImport{
			Offset:     fileOffset,
			Name:       name,
			Functions:  functions,
			Descriptor: d,
		})
	}
	return nil
}
