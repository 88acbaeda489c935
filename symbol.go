package pe

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const COFFSymbolSize = 18

// COFFSymbol is one raw 18-byte COFF symbol table record, read
// verbatim off disk before aux records are collapsed out.
type COFFSymbol struct {
	Name               [8]uint8
	Value              uint32
	SectionNumber      int16
	Type               uint16
	StorageClass       uint8
	NumberOfAuxSymbols uint8
}

// Symbol is a COFFSymbol with Name resolved to a Go string and the
// NumberOfAuxSymbols count consumed — one Symbol per logical entry,
// with any aux records that followed it in the raw table already
// dropped.
type Symbol struct {
	Name          string
	Value         uint32
	SectionNumber int16
	Type          uint16
	StorageClass  uint8
}

func (f *File) readCOFFSymbols() error {
	if f.FileHeader.PointerToSymbolTable == 0 || f.FileHeader.NumberOfSymbols == 0 {
		return nil
	}
	if _, err := f.sr.Seek(int64(f.FileHeader.PointerToSymbolTable), io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking to symbol table")
	}

	symbols := make([]COFFSymbol, f.FileHeader.NumberOfSymbols)
	if err := binary.Read(f.sr, binary.LittleEndian, symbols); err != nil {
		return errors.Wrap(err, "reading symbol table")
	}

	f.COFFSymbols = symbols
	return nil
}

// symNameOffset reports whether name is encoded as an offset into the
// string table rather than an inline 8-byte name: the COFF convention
// for that is a name whose first four bytes are all zero, with the
// offset packed into the last four.
func symNameOffset(name [8]byte) (uint32, bool) {
	for _, b := range name[:4] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.LittleEndian.Uint32(name[4:]), true
}

// FullName resolves sym's real name, following it into the COFF string
// table st when it's too long for the inline 8-byte field.
func (sym *COFFSymbol) FullName(st StringTable) (string, error) {
	if offset, ok := symNameOffset(sym.Name); ok {
		return st.String(offset)
	}
	return cString(sym.Name[:]), nil
}

// removeAuxSymbols collapses a raw COFF symbol table into the logical
// symbols it encodes: each record's NumberOfAuxSymbols tells how many
// immediately following records are auxiliary data for it rather than
// symbols of their own, and must be skipped rather than resolved.
func (f *File) removeAuxSymbols(raw []COFFSymbol, st StringTable) error {
	if len(raw) == 0 {
		return nil
	}

	symbols := make([]*Symbol, 0, len(raw))
	var pendingAux uint8
	for _, sym := range raw {
		if pendingAux > 0 {
			pendingAux--
			continue
		}
		name, err := sym.FullName(st)
		if err != nil {
			return errors.Wrap(err, "resolving symbol name")
		}
		pendingAux = sym.NumberOfAuxSymbols
		symbols = append(symbols, &Symbol{
			Name:          name,
			Value:         sym.Value,
			SectionNumber: sym.SectionNumber,
			Type:          sym.Type,
			StorageClass:  sym.StorageClass,
		})
	}
	f.Symbols = symbols
	return nil
}
