package pe

import (
	"math"
	"strconv"
	"strings"
)

type EntropyCalculator struct {
	size        int
	frequencies [256]uint64
}

func (e *EntropyCalculator) Write(p []byte) (n int, err error) {
	e.size += len(p)
	for _, v := range p {
		e.frequencies[v]++
	}
	return len(p), err
}

func (e *EntropyCalculator) Sum() (entropy float64) {
	if e.size == 0 {
		return
	}

	for _, p := range e.frequencies {
		if p > 0 {
			freq := float64(p) / float64(e.size)
			entropy += freq * math.Log2(freq)
		}
	}
	return -entropy
}

// ResourceType names a well-known RT_* resource type ID at the top level
// of a resource directory (spec.md §6); anything else prints as a bare
// numeral.
type ResourceType uint32

func (rt ResourceType) String() string {
	switch uint32(rt) {
	case ResourceTypeCursor:
		return "RT_CURSOR"
	case ResourceTypeBitmap:
		return "RT_BITMAP"
	case ResourceTypeIcon:
		return "RT_ICON"
	case ResourceTypeMenu:
		return "RT_MENU"
	case ResourceTypeDialog:
		return "RT_DIALOG"
	case ResourceTypeString:
		return "RT_STRING"
	case ResourceTypeFontDir:
		return "RT_FONTDIR"
	case ResourceTypeFont:
		return "RT_FONT"
	case ResourceTypeAccelerator:
		return "RT_ACCELERATOR"
	case ResourceTypeRCData:
		return "RT_RCDATA"
	case ResourceTypeMessageTable:
		return "RT_MESSAGETABLE"
	case ResourceTypeGroupCursor:
		return "RT_GROUP_CURSOR"
	case ResourceTypeGroupIcon:
		return "RT_GROUP_ICON"
	case ResourceTypeVersion:
		return "RT_VERSION"
	case ResourceTypeDlgInclude:
		return "RT_DLGINCLUDE"
	case ResourceTypePlugPlay:
		return "RT_PLUGPLAY"
	case ResourceTypeVXD:
		return "RT_VXD"
	case ResourceTypeAniCursor:
		return "RT_ANICURSOR"
	case ResourceTypeAniIcon:
		return "RT_ANIICON"
	case ResourceTypeHTML:
		return "RT_HTML"
	case ResourceTypeManifest:
		return "RT_MANIFEST"
	default:
		return strconv.FormatUint(uint64(rt), 10)
	}
}

// GetResourceTypeName returns the display name of a resource directory
// entry at the type level: its string name if it has one, otherwise the
// well-known RT_* name for its numeric ID.
func GetResourceTypeName(resourceType ResourceDirectoryEntry) string {
	if resourceType.Name != "" {
		return resourceType.Name
	}
	return ResourceType(resourceType.ID).String()
}

// stringInSlice checks weather a string exists in a slice of strings.
func stringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}
func intInSlice(a uint32, list []uint32) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}

func Min(values []uint32) uint32 {
	min := values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
	}
	return min
}

func IsValidFunctionName(functionName string) bool {
	alphabet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numerals := "0123456789"
	special := "_?@$()<>"
	charset := alphabet + numerals + special
	for _, c := range functionName {
		if !strings.Contains(charset, string(c)) {
			return false
		}
	}
	return true
}

func IsValidDosFilename(filename string) bool {
	alphabet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numerals := "0123456789"
	special := "!#$%&'()-@^_`{}~+,.;=[]\\/"
	charset := alphabet + numerals + special
	for _, c := range filename {
		if !strings.Contains(charset, string(c)) {
			return false
		}
	}
	return true
}
