package pe

// MinFileSize On Windows XP (x32) the smallest PE executable is 97 bytes.
const MinFileSize = 97

const (
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM
)

const ImageNTHeaderSignature = 0x00004550

// IMAGE_DIRECTORY_ENTRY constants
const (
	ImageDirectoryEntryExport        = 0
	ImageDirectoryEntryImport        = 1
	ImageDirectoryEntryResource      = 2
	ImageDirectoryEntryException     = 3
	ImageDirectoryEntrySecurity      = 4
	ImageDirectoryEntryBaseReLoc     = 5
	ImageDirectoryEntryDebug         = 6
	ImageDirectoryEntryArchitecture  = 7
	ImageDirectoryEntryGlobalPtr     = 8
	ImageDirectoryEntryTls           = 9
	ImageDirectoryEntryLoadConfig    = 10
	ImageDirectoryEntryBoundImport   = 11
	ImageDirectoryEntryIat           = 12
	ImageDirectoryEntryDelayImport   = 13
	ImageDirectoryEntryComDescriptor = 14
)

const (
	ImageScnCntInitializedData = 0x00000040
	ImageScnMemExecute         = 0x20000000
	ImageScnMemRead            = 0x40000000
	ImageScnMemWrite           = 0x80000000
)

// Characteristics the rebuilder stamps on a freshly written .rsrc section header.
const imageScnRsrcCharacteristics = ImageScnCntInitializedData | ImageScnMemRead

const resourceSectionName = ".rsrc"

const FileAlignmentHardcodedValue = 0x200
const maxAllowedEntries = 0x1000

// maxSections is the COFF header's hard cap on NumberOfSections (spec.md
// §3/§4.1): the section-header-index field used by relocations, symbols
// and several debug directory entries is a uint16 with the top byte
// reserved, so a well-formed image never declares more.
const maxSections = 96

// Well-known FileHeader.Machine values. Anything outside this set is not
// a parse failure (spec.md §4.1 step 2): readNTHeader records it as an
// UnsupportedMachine warning on the File rather than rejecting the image,
// since a resource directory can be inspected or rewritten without the
// loader ever executing the code it targets.
const (
	ImageFileMachineUnknown = 0x0000
	ImageFileMachineI386    = 0x014c
	ImageFileMachineArm     = 0x01c0
	ImageFileMachineArmNT   = 0x01c4
	ImageFileMachineArm64   = 0xaa64
	ImageFileMachineIA64    = 0x0200
	ImageFileMachineAmd64   = 0x8664
)

const (
	DansSignature = 0x536E6144
	RichSignature = "Rich"
)

// Well-known resource type IDs (RT_*), from the Windows resource compiler.
const (
	ResourceTypeCursor       = 1
	ResourceTypeBitmap       = 2
	ResourceTypeIcon         = 3
	ResourceTypeMenu         = 4
	ResourceTypeDialog       = 5
	ResourceTypeString       = 6
	ResourceTypeFontDir      = 7
	ResourceTypeFont         = 8
	ResourceTypeAccelerator  = 9
	ResourceTypeRCData       = 10
	ResourceTypeMessageTable = 11
	ResourceTypeGroupCursor  = 12
	ResourceTypeGroupIcon    = 14
	ResourceTypeVersion      = 16
	ResourceTypeDlgInclude   = 17
	ResourceTypePlugPlay     = 19
	ResourceTypeVXD          = 20
	ResourceTypeAniCursor    = 21
	ResourceTypeAniIcon      = 22
	ResourceTypeHTML         = 23
	ResourceTypeManifest     = 24
)

// Name the resource group icon table installs and looks up under, matching
// the name Explorer prefers when multiple group-icon tables are present.
const MainIconName = "MAINICON"

const (
	LanguageIDEnUS = 1033
	CodePageEnUS   = 1200
)

// VS_VERSIONINFO / VS_FIXEDFILEINFO constants.
const (
	VsFFISignature     = 0xFEEF04BD
	VsFFIStrucVersion  = 0x00010000
	VsFFIFileFlagsMask = 0x3F
)

// VS_FIXEDFILEINFO.FileOS values.
const (
	VosUnknown   = 0x00000000
	VosNTWindows = 0x00040004
)

// VS_FIXEDFILEINFO.FileType values.
const (
	VftUnknown = 0x00000000
	VftApp     = 0x00000001
	VftDll     = 0x00000002
)

const (
	imageOrdinalFlag32   = uint32(0x80000000)
	imageOrdinalFlag64   = uint64(0x8000000000000000)
	maxRepeatedAddresses = uint32(0xF)
	maxAddressSpread     = uint32(0x8000000)
	addressMask32        = uint32(0x7fffffff)
	addressMask64        = uint64(0x7fffffffffffffff)
	maxDllLength         = 0x200
	maxImportNameLength  = 0x200
)

var (
	DOSHeaderSize  = 64
	FileHeaderSize = 20
)
