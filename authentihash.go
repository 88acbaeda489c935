package pe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// AuthentihashSha512 is Authentihash using SHA-512 instead of SHA-256.
func (f *File) AuthentihashSha512() []byte {
	return f.authentihash(sha512.New())
}

// AuthentihashSha256 is Authentihash using SHA-256 explicitly.
func (f *File) AuthentihashSha256() []byte {
	return f.authentihash(sha256.New())
}

// AuthentihashSha1 is Authentihash using SHA-1, for matching signatures
// produced before SHA-256 became the default.
func (f *File) AuthentihashSha1() []byte {
	return f.authentihash(sha1.New())
}

// AuthentihashMd5 is Authentihash using MD5, for matching legacy
// signatures.
func (f *File) AuthentihashMd5() []byte {
	return f.authentihash(md5.New())
}

// Authentihash computes the Authenticode digest: the SHA-256 of the
// image with the checksum field, the certificate table's data
// directory entry, and the certificate table itself excluded, per the
// Authenticode spec's definition of what a signature covers. It
// returns nil if the optional header can't be located.
func (f *File) Authentihash() []byte {
	return f.authentihash(sha256.New())
}

// excludedRange is a byte span within the image that Authenticode
// signing excludes from the digest, keyed by what it holds.
type excludedRange struct {
	start, length uint32
}

func (f *File) authentihash(hasher hash.Hash) []byte {
	if f.OptionalHeader == nil {
		return nil
	}

	locations, err := f.authentihashExclusions()
	if err != nil {
		return nil
	}

	excluded := make([]excludedRange, 0, len(locations))
	for _, key := range []string{"checksum", "datadir_certtable", "certtable"} {
		if r, ok := locations[key]; ok {
			excluded = append(excluded, *r)
		}
	}
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].start < excluded[j].start })

	cursor := uint32(0)
	for _, r := range excluded {
		hashRange(hasher, f.sr, cursor, r.start)
		cursor = r.start + r.length
	}
	hashRange(hasher, f.sr, cursor, f.size)

	return hasher.Sum(nil)
}

// hashRange feeds sr's bytes in [start, end) into hasher. A no-op if
// the range is empty or inverted.
func hashRange(hasher hash.Hash, sr *io.SectionReader, start, end uint32) {
	if end <= start {
		return
	}
	_, _ = io.Copy(hasher, io.NewSectionReader(sr, int64(start), int64(end)-int64(start)))
}

// authentihashExclusions locates the three byte ranges Authenticode
// excludes from its digest: the optional header's checksum field, the
// Certificate Table entry within the data directory, and (if present)
// the certificate table's own bytes. Later ranges are only reported
// once the header is confirmed large enough to actually contain them —
// a PE32 image with a short optional header legitimately has none of
// the latter two.
func (f *File) authentihashExclusions() (map[string]*excludedRange, error) {
	location := make(map[string]*excludedRange, 3)
	optionalHeaderOffset := f.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(binary.Size(f.FileHeader))

	var (
		oh32p              *OptionalHeader32
		oh64p              *OptionalHeader64
		optionalHeaderSize uint32
	)
	if f.Is64 {
		oh64p = f.OptionalHeader.(*OptionalHeader64)
		optionalHeaderSize = oh64p.SizeOfHeaders
	} else {
		oh32p = f.OptionalHeader.(*OptionalHeader32)
		optionalHeaderSize = oh32p.SizeOfHeaders
	}

	if optionalHeaderSize > f.size-optionalHeaderOffset {
		return nil, errors.Errorf("optional header exceeds the file length (%d + %d > %d)",
			optionalHeaderSize, optionalHeaderOffset, f.size)
	}
	if optionalHeaderSize < 68 {
		return nil, errors.Errorf("optional header size %d is too small for Authenticode (need >= 68)",
			optionalHeaderSize)
	}

	// The checksum field sits at the same fixed offset in both PE32
	// and PE32+ optional headers.
	location["checksum"] = &excludedRange{optionalHeaderOffset + 64, 4}

	var rvaBase, certBase, numberOfRvaAndSizes uint32
	if f.Is64 {
		rvaBase = optionalHeaderOffset + 108
		certBase = optionalHeaderOffset + 144
		numberOfRvaAndSizes = oh64p.NumberOfRvaAndSizes
	} else {
		rvaBase = optionalHeaderOffset + 92
		certBase = optionalHeaderOffset + 128
		numberOfRvaAndSizes = oh32p.NumberOfRvaAndSizes
	}

	if optionalHeaderOffset+optionalHeaderSize < rvaBase+4 {
		return location, nil
	}
	if numberOfRvaAndSizes < 5 {
		return location, nil
	}
	if optionalHeaderOffset+optionalHeaderSize < certBase+8 {
		return location, nil
	}

	location["datadir_certtable"] = &excludedRange{certBase, 8}

	var address, size uint32
	if f.Is64 {
		address = oh64p.DataDirectory[ImageDirectoryEntrySecurity].VirtualAddress
		size = oh64p.DataDirectory[ImageDirectoryEntrySecurity].Size
	} else {
		address = oh32p.DataDirectory[ImageDirectoryEntrySecurity].VirtualAddress
		size = oh32p.DataDirectory[ImageDirectoryEntrySecurity].Size
	}

	if size == 0 {
		return location, nil
	}
	if int64(address) < int64(optionalHeaderSize)+int64(optionalHeaderOffset) ||
		int64(address)+int64(size) > int64(f.size) {
		return location, nil
	}

	location["certtable"] = &excludedRange{address, size}
	return location, nil
}
