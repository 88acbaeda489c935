package pe

import "github.com/pkg/errors"

var (
	ErrInvalidPESize = errors.New("not a PE file, smaller than tiny PE")
)

// Errors raised while validating the DOS/COFF/optional header and section
// table, before any resource-directory walk starts. Each corresponds to a
// class in spec.md §7 ("Bad signature / magic", "Structural malformation").
var (
	ErrInvalidDosSignature      = errors.New("invalid DOS header signature")
	ErrInvalidPeSignature       = errors.New("invalid PE header signature")
	ErrUnsupportedOptionalMagic = errors.New("unsupported optional header magic")
	ErrMalformedHeader          = errors.New("PE header is structurally malformed")
)

var (
	ErrOutsideBoundary    = errors.New("reading data outside boundary")
	ErrDamagedImportTable = errors.New(
		"damaged Import Table information. ILT and/or IAT appear to be broken")
	ErrTooManyInvalidNames = errors.New("too many invalid import names, aborting parse")
	ErrNoImports           = errors.New("no imports found")
)

// Errors surfaced by resource tree mutation, serialization and image
// rebuild. Parse errors above stay as-is; these cover everything past a
// successful parse.
var (
	ErrMalformedResourceTree = errors.New("resource directory tree is malformed")
	// ErrResourceNotFound is returned by ResourceDirectory.Resolve when the
	// requested type/name/language path is absent.
	ErrResourceNotFound       = errors.New("resource entry not found")
	ErrResourceTooDeep        = errors.New("resource directory nesting exceeds four levels")
	ErrCapacityExceeded       = errors.New("resource directory exceeds addressable size")
	ErrIconDecode             = errors.New("failed to decode icon image data")
	ErrInvalidIconContainer   = errors.New("not a valid ICO container")
	ErrNoResourceSection      = errors.New("no resource section present and none could be allocated")
	ErrSectionOverlap         = errors.New("sections overlap")
	ErrNotEnoughHeaderSpace   = errors.New("not enough header space to grow the section table")
	ErrStructuralMalformation = errors.New("image header is structurally inconsistent")
)
