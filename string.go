package pe

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// cString converts ASCII byte sequence b to string.
// It stops once it finds 0 or reaches end of b.
func cString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[:i])
}

// StringTable is the COFF string table: long section names and symbol
// names that don't fit in an 8-byte fixed field are stored here and
// referenced by offset, with the 4-byte length prefix counted as part
// of offset 0 but not part of the table itself.
type StringTable []byte

func (f *File) readStringTable() error {
	// The COFF string table sits immediately after the symbol table,
	// and only exists when there is one.
	if f.FileHeader.PointerToSymbolTable <= 0 {
		return nil
	}
	offset := f.FileHeader.PointerToSymbolTable + COFFSymbolSize*f.FileHeader.NumberOfSymbols
	if _, err := f.sr.Seek(int64(offset), io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking to string table")
	}

	var tableLen uint32
	if err := binary.Read(f.sr, binary.LittleEndian, &tableLen); err != nil {
		return errors.Wrap(err, "reading string table length")
	}
	// The length field counts itself, so a table with no strings at
	// all reports exactly 4.
	if tableLen <= 4 {
		return nil
	}
	tableLen -= 4

	buf := make([]byte, tableLen)
	if _, err := io.ReadFull(f.sr, buf); err != nil {
		return errors.Wrap(err, "reading string table contents")
	}
	f.StringTable = buf
	return nil
}

// String extracts the NUL-terminated string stored at offset start in
// the COFF string table, where start is measured from the start of the
// 4-byte length prefix rather than the start of st.
func (st StringTable) String(start uint32) (string, error) {
	if start < 4 {
		return "", errors.Errorf("string table offset %d precedes the table's length prefix", start)
	}
	start -= 4
	if int(start) > len(st) {
		return "", errors.Errorf("string table offset %d is past the end of a %d-byte table", start, len(st))
	}
	return cString(st[start:]), nil
}
