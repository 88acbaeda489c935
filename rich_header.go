package pe

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// RichHeader is the undocumented "Rich" header MSVC linkers embed
// between the DOS stub and the PE header, recording which compiler and
// linker components produced the image. It is XOR-obfuscated with a
// per-build key and delimited by a "DanS" marker at the start and a
// "Rich" signature plus the same key at the end.
type RichHeader struct {
	XorKey     uint32
	CompIDs    []CompID
	DansOffset int
	Raw        []byte
}

// CompID is one decoded Rich header entry: a tool component (compiler,
// linker, CRT object) and how many times the image references it.
type CompID struct {
	MinorCV  uint16
	ProdID   uint16
	Count    uint32
	Unmasked uint32
}

func (f *File) readRichHeader() error {
	stub, err := f.GetData(0, f.AddressOfNewEXEHeader)
	if err != nil {
		return errors.Wrap(err, "reading DOS stub for Rich header search")
	}

	richSigOffset := bytes.Index(stub, []byte(RichSignature))
	if richSigOffset < 0 {
		return nil
	}

	var rh RichHeader
	if rh.XorKey, err = f.ReadUint32(uint32(richSigOffset + 4)); err != nil {
		return errors.Wrap(err, "reading Rich header XOR key")
	}

	// Walk backward from the signature, XOR-decoding one uint32 at a
	// time, until the decoded value is the "DanS" marker or we run off
	// the front of the DOS stub.
	var decoded []uint32
	dansSigOffset := -1
	searchLimit := richSigOffset - 4 - binary.Size(DOSHeader{})
	for it := 0; it < searchLimit; it += 4 {
		word, err := f.ReadUint32(uint32(richSigOffset - 4 - it))
		if err != nil {
			return errors.Wrap(err, "reading Rich header entry")
		}

		plain := word ^ rh.XorKey
		if plain == DansSignature {
			dansSigOffset = richSigOffset - it - 4
			break
		}
		decoded = append(decoded, plain)
	}

	if dansSigOffset == -1 {
		return nil
	}

	rh.DansOffset = dansSigOffset
	rh.Raw, err = f.GetData(uint32(dansSigOffset), uint32(richSigOffset+8-dansSigOffset))
	if err != nil {
		return errors.Wrap(err, "reading raw Rich header bytes")
	}

	for i, j := 0, len(decoded)-1; i < j; i, j = i+1, j-1 {
		decoded[i], decoded[j] = decoded[j], decoded[i]
	}

	// The first three decoded words are padding; CompIDs follow as
	// (ProdID/MinorCV, Count) uint32 pairs.
	usable := len(decoded)
	if (usable-3)%2 != 0 {
		usable--
	}
	for i := 3; i < usable; i += 2 {
		pair := make([]byte, 8)
		binary.LittleEndian.PutUint32(pair, decoded[i])
		binary.LittleEndian.PutUint32(pair[4:], decoded[i+1])

		var cid CompID
		if err := binary.Read(bytes.NewReader(pair), binary.LittleEndian, &cid); err != nil {
			break
		}
		cid.Unmasked = binary.LittleEndian.Uint32(pair)
		rh.CompIDs = append(rh.CompIDs, cid)
	}

	f.RichHeader = &rh
	return nil
}

// RichHeaderChecksum recomputes the checksum MSVC stores XOR'd into the
// Rich header's key: a rolling sum of the DOS header bytes (skipping
// e_lfanew at 0x3C, since it's unknown to the linker's own checksum
// pass), combined with each CompID rotated by its reference count.
func (f *File) RichHeaderChecksum() uint32 {
	if f.RichHeader == nil {
		return 0
	}

	checksum := uint32(f.RichHeader.DansOffset)
	for i := 0; i < f.RichHeader.DansOffset; i++ {
		if i >= 0x3C && i < 0x40 {
			continue
		}
		raw, err := f.GetByte(i)
		if err != nil {
			return 0
		}
		b := uint32(raw)
		checksum += (b << (i % 32)) | (b>>(32-(i%32)))&0xff
		checksum &= 0xFFFFFFFF
	}

	for _, compID := range f.RichHeader.CompIDs {
		checksum += compID.Unmasked<<(compID.Count%32) | compID.Unmasked>>(32-(compID.Count%32))
		checksum &= 0xFFFFFFFF
	}

	return checksum
}

// RichHeaderHash returns the MD5 of the Rich header's decoded bytes
// (everything before the "Rich" signature, XOR-decoded with its key),
// a stable fingerprint of the toolchain that built the image regardless
// of where the Rich header happens to sit in the file.
func (f *File) RichHeaderHash() string {
	if f.RichHeader == nil {
		return ""
	}
	richIndex := bytes.Index(f.RichHeader.Raw, []byte(RichSignature))
	if richIndex == -1 {
		return ""
	}

	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, f.RichHeader.XorKey)

	encoded := f.RichHeader.Raw[:richIndex]
	decoded := make([]byte, len(encoded))
	for i, b := range encoded {
		decoded[i] = b ^ key[i%len(key)]
	}
	return fmt.Sprintf("%x", md5.Sum(decoded))
}
