package pe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// TablesSize returns the combined size of this directory's header and
// entry descriptors, plus every subdirectory's, in bytes.
func (d *ResourceDirectory) TablesSize() uint32 {
	total := uint32(16)
	for _, e := range d.Entries {
		total += 8
		if e.IsDir {
			total += e.Directory.TablesSize()
		}
	}
	return total
}

// StringsSize returns the combined size, in bytes, of every named entry's
// length-prefixed UTF-16 name string under this directory.
func (d *ResourceDirectory) StringsSize() uint32 {
	var total uint32
	for _, e := range d.Entries {
		total += resourceNameSize(e.Name)
		if e.IsDir {
			total += e.Directory.StringsSize()
		}
	}
	return total
}

// DescriptionsSize returns the combined size, in bytes, of every leaf's
// 16-byte IMAGE_RESOURCE_DATA_ENTRY descriptor under this directory.
func (d *ResourceDirectory) DescriptionsSize() uint32 {
	var total uint32
	for _, e := range d.Entries {
		if e.IsDir {
			total += e.Directory.DescriptionsSize()
		} else {
			total += 16
		}
	}
	return total
}

// DataSize returns the combined, 4-byte-padded size of every leaf's raw
// payload under this directory.
func (d *ResourceDirectory) DataSize() uint32 {
	var total uint32
	for _, e := range d.Entries {
		if e.IsDir {
			total += e.Directory.DataSize()
		} else {
			total += alignUp4(e.Data.Struct.Size)
		}
	}
	return total
}

// Size returns the total serialized size of this resource directory tree.
func (d *ResourceDirectory) Size() uint32 {
	return d.TablesSize() + d.StringsSize() + d.DescriptionsSize() + d.DataSize()
}

func alignUp4(n uint32) uint32 {
	if rem := n % 4; rem != 0 {
		return n + 4 - rem
	}
	return n
}

func resourceNameSize(name string) uint32 {
	if name == "" {
		return 0
	}
	return uint32(2 + len(utf16LEBytesNoTerm(name)))
}

func utf16LEBytesNoTerm(s string) []byte {
	b := utf16LEBytes(s)
	return b[:len(b)-2] // drop the null terminator Build's own string helper adds
}

func resourceNameBytes(name string) []byte {
	if name == "" {
		return nil
	}
	codeUnits := utf16LEBytesNoTerm(name)
	out := make([]byte, 0, 2+len(codeUnits))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(codeUnits)/2))
	return append(out, codeUnits...)
}

// Build serializes the resource directory tree into the byte layout a
// RT_* data directory expects: tables section (headers + entry
// descriptors, depth first), then name strings, then data-entry
// descriptors, then data payloads, each zero-padded to a multiple of 4
// bytes. The payload area starts right after the descriptors with no
// padding of its own, so payloads fall on 4-byte boundaries only when the
// name strings total a multiple of 4 bytes. virtualAddress is the
// RVA the resource section will be mapped at, used to compute the
// absolute RVAs data-entry descriptors carry. f resolves the payload of
// any entry whose bytes were parsed lazily from a file rather than set
// in memory.
func (d *ResourceDirectory) Build(virtualAddress uint32, f *File) ([]byte, error) {
	var tablesOffset, stringsOffset, descriptionsOffset, dataOffset uint32
	tables, strings, descriptions, data, err := d.buildTable(f, virtualAddress, &tablesOffset, &stringsOffset, &descriptionsOffset, &dataOffset)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, tablesOffset+stringsOffset+descriptionsOffset+dataOffset)
	for _, item := range tables {
		switch v := item.(type) {
		case *ImageResourceDirectory:
			out = appendLE(out, *v)
		case *ImageResourceDirectoryEntry:
			if v.OffsetToData&0x80000000 == 0 {
				v.OffsetToData += tablesOffset + stringsOffset
			}
			if v.Name&0x80000000 != 0 {
				v.Name += tablesOffset
			}
			out = appendLE(out, *v)
		}
	}
	out = append(out, strings...)
	for _, desc := range descriptions {
		desc.OffsetToData += tablesOffset + stringsOffset + descriptionsOffset
		out = appendLE(out, *desc)
	}
	out = append(out, data...)
	return out, nil
}

func (d *ResourceDirectory) buildTable(f *File, virtualAddress uint32, tablesOffset, stringsOffset, descriptionsOffset, dataOffset *uint32) (
	tables []interface{}, strings []byte, descriptions []*ImageResourceDataEntry, data []byte, err error,
) {
	header := d.Struct
	tables = append(tables, &header)
	*tablesOffset += 16

	nextTableSizes := uint32(0)
	entryCount := uint32(len(d.Entries))
	levelTablesStart := *tablesOffset

	for i := range d.Entries {
		e := &d.Entries[i]
		nameBytes := resourceNameBytes(e.Name)
		strings = append(strings, nameBytes...)

		var nameOrID uint32
		if e.Name != "" {
			nameOrID = *stringsOffset | 0x80000000
		} else {
			nameOrID = e.ID
		}
		*stringsOffset += uint32(len(nameBytes))

		entry := &ImageResourceDirectoryEntry{Name: nameOrID}
		tables = append(tables, entry)

		if e.IsDir {
			entry.OffsetToData = (levelTablesStart + entryCount*8 + nextTableSizes) | 0x80000000
			nextTableSizes += e.Directory.TablesSize()
		} else {
			entry.OffsetToData = *descriptionsOffset

			payload, berr := e.Data.Bytes(f)
			if berr != nil {
				return nil, nil, nil, nil, errors.Wrapf(berr, "resource entry %q/%d payload", e.Name, e.ID)
			}

			desc := &ImageResourceDataEntry{
				Size:     uint32(len(payload)),
				CodePage: e.Data.Struct.CodePage,
				Reserved: e.Data.Struct.Reserved,
			}
			// OffsetToData is finalized to an absolute RVA once dataOffset's
			// final total is known; for now it holds data's rva contribution
			// plus the section's mapped address, both already fixed.
			desc.OffsetToData = *dataOffset + virtualAddress
			descriptions = append(descriptions, desc)
			*descriptionsOffset += 16

			padded := alignUp4(uint32(len(payload)))
			data = append(data, payload...)
			data = append(data, make([]byte, padded-uint32(len(payload)))...)
			*dataOffset += padded
		}
	}
	*tablesOffset += entryCount * 8

	for i := range d.Entries {
		if !d.Entries[i].IsDir {
			continue
		}
		t, s, desc, dat, err := d.Entries[i].Directory.buildTable(f, virtualAddress, tablesOffset, stringsOffset, descriptionsOffset, dataOffset)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		tables = append(tables, t...)
		strings = append(strings, s...)
		descriptions = append(descriptions, desc...)
		data = append(data, dat...)
	}

	return tables, strings, descriptions, data, nil
}
