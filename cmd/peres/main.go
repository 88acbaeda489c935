package main

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/h2non/filetype"

	pefile "github.com/nrahimli/peres"
)

// versionStrings collects repeated -version-string key=value flags into
// an ordered list, preserving the order they were given on the command
// line.
type versionStrings []pefile.VersionStringEntry

func (v *versionStrings) String() string {
	var parts []string
	for _, e := range *v {
		parts = append(parts, e.Key+"="+e.Value)
	}
	return strings.Join(parts, ",")
}

func (v *versionStrings) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	*v = append(*v, pefile.VersionStringEntry{Key: key, Value: value})
	return nil
}

var (
	inPath           string
	outPath          string
	manifestPath     string
	iconPath         string
	fileVersion      string
	productVersion   string
	versionStringArg versionStrings
	computeChecksum  bool
)

func init() {
	flag.StringVar(&inPath, "in", "", "input PE file to read")
	flag.StringVar(&outPath, "out", "", "output path for the rebuilt PE file; if empty, no mutation is written")
	flag.StringVar(&manifestPath, "manifest", "", "path to an XML SxS manifest to embed as RT_MANIFEST")
	flag.StringVar(&iconPath, "icon", "", "path to an .ico file to install as the main icon")
	flag.StringVar(&fileVersion, "version-file-version", "", "major.minor.build.revision to set as FileVersion")
	flag.StringVar(&productVersion, "version-product-version", "", "major.minor.build.revision to set as ProductVersion")
	flag.Var(&versionStringArg, "version-string", "key=value string to set in the version resource's string table; repeatable")
	flag.BoolVar(&computeChecksum, "checksum", false, "recompute the PE checksum after rebuilding")
	flag.Parse()
}

func main() {
	if inPath == "" {
		log.Fatal("-in is required")
	}

	f, err := pefile.NewFile(inPath)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	if f.OptionalHeader == nil {
		log.Fatal("not a valid PE image: no optional header")
	}
	if f.ResourcesErr != nil {
		log.Printf("warning: resource directory failed to parse: %v", f.ResourcesErr)
	}

	mutated, err := applyMutations(f)
	if err != nil {
		log.Fatal(err)
	}

	if outPath != "" {
		if !mutated {
			log.Fatal("-out given but no mutation flag (-manifest, -icon, -version-*) was set")
		}
		if f.Resources == nil {
			f.Resources = &pefile.ResourceDirectory{}
		}
		out, err := f.Rebuild(f.Resources, pefile.RebuildOptions{ComputeChecksum: computeChecksum})
		if err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(outPath, out, 0o644); err != nil {
			log.Fatal(err)
		}
		return
	}

	data, err := json.MarshalIndent(describe(f), "", "    ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s\n", data)
}

// applyMutations runs every mutation flag the caller set against f's
// resource directory, in the order manifest, icon, version info. It
// reports whether any mutation flag was present at all.
func applyMutations(f *File) (bool, error) {
	if f.Resources == nil {
		f.Resources = &pefile.ResourceDirectory{}
	}
	mutated := false

	if manifestPath != "" {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			return false, err
		}
		if err := f.Resources.SetManifest(data); err != nil {
			return false, err
		}
		mutated = true
	}

	if iconPath != "" {
		data, err := os.ReadFile(iconPath)
		if err != nil {
			return false, err
		}
		images, err := pefile.ParseICO(data)
		if err != nil {
			return false, err
		}
		if err := f.Resources.SetMainIcon(images, f); err != nil {
			return false, err
		}
		mutated = true
	}

	if fileVersion != "" || productVersion != "" || len(versionStringArg) > 0 {
		info, err := f.Resources.GetVersionInfo(f)
		if err != nil {
			return false, err
		}
		if info == nil {
			info = pefile.NewVersionInfo()
		}
		if fileVersion != "" {
			major, minor, build, revision, err := parseVersionQuad(fileVersion)
			if err != nil {
				return false, err
			}
			info.Info.SetFileVersion(major, minor, build, revision)
		}
		if productVersion != "" {
			major, minor, build, revision, err := parseVersionQuad(productVersion)
			if err != nil {
				return false, err
			}
			info.Info.SetProductVersion(major, minor, build, revision)
		}
		for _, e := range versionStringArg {
			info.SetString(e.Key, e.Value)
		}
		if err := f.Resources.SetVersionInfo(info); err != nil {
			return false, err
		}
		mutated = true
	}

	return mutated, nil
}

func parseVersionQuad(s string) (major, minor, build, revision uint16, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("version %q is not major.minor.build.revision", s)
	}
	out := make([]uint16, 4)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("version component %q: %w", p, err)
		}
		out[i] = uint16(n)
	}
	return out[0], out[1], out[2], out[3], nil
}

// File is a local alias so applyMutations reads naturally; pefile.File
// would otherwise collide visually with the pefile.* mutation calls
// above.
type File = pefile.File

type info struct {
	MachineType      uint16
	EntryPoint       uint32
	CompilationTime  uint32
	ImpHash          string
	DelayImportCount int
	RichHeaderHash   string
	Authentihash     string
	Overlay          *overlay
	Sections         []*section
	ResourceDetails  []*resourceDetail
}

type overlay struct {
	MD5      string
	FileType string
	Offset   uint64
	Size     int64
	Entropy  float64
}

type section struct {
	Name           string
	MD5            string
	Flags          string
	RawSize        uint32
	VirtualAddress uint32
	VirtualSize    uint32
	Entropy        float64
}

type resourceDetail struct {
	Language string
	Type     string
	FileType string
	SHA256   string
	Entropy  float64
}

func describe(f *pefile.File) *info {
	out := &info{
		CompilationTime:  f.FileHeader.TimeDateStamp,
		MachineType:      f.FileHeader.Machine,
		DelayImportCount: len(f.DelayImports),
		RichHeaderHash:   f.RichHeaderHash(),
		Authentihash:     hex.EncodeToString(f.Authentihash()),
		Sections:         describeSections(f),
		ResourceDetails:  describeResources(f),
		Overlay:          describeOverlay(f),
	}
	if f.Is64 {
		out.EntryPoint = f.OptionalHeader.(*pefile.OptionalHeader64).AddressOfEntryPoint
	} else {
		out.EntryPoint = f.OptionalHeader.(*pefile.OptionalHeader32).AddressOfEntryPoint
	}
	out.ImpHash, _ = f.ImpHash()
	return out
}

func describeSections(f *pefile.File) []*section {
	out := make([]*section, 0, len(f.Sections))
	for _, s := range f.Sections {
		out = append(out, &section{
			Name:           s.Name,
			RawSize:        s.Size,
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			Flags:          s.Flags(),
			MD5:            s.MD5(),
			Entropy:        s.Entropy(),
		})
	}
	return out
}

func describeResources(f *pefile.File) []*resourceDetail {
	if f.Resources == nil {
		return nil
	}
	var out []*resourceDetail
	for _, resourceType := range f.Resources.Entries {
		typeName := pefile.GetResourceTypeName(resourceType)
		for _, name := range resourceType.Directory.Entries {
			for _, lang := range name.Directory.Entries {
				data, err := lang.Data.Bytes(f)
				if err != nil {
					continue
				}
				out = append(out, &resourceDetail{
					Language: strconv.FormatUint(uint64(lang.Data.Lang), 10),
					Type:     typeName,
					SHA256:   fmt.Sprintf("%x", sha256.Sum256(data)),
					Entropy:  calculateEntropy(data),
					FileType: detectFileType(data),
				})
			}
		}
	}
	return out
}

func describeOverlay(f *pefile.File) *overlay {
	rs := f.GetOverlay()
	if rs == nil {
		return nil
	}

	out := &overlay{
		Offset: uint64(f.OverlayOffset),
		Size:   int64(f.GetSize()) - f.OverlayOffset,
	}

	hasher := md5.New()
	var entropyCalc pefile.EntropyCalculator
	ws := io.MultiWriter(hasher, &entropyCalc)
	_, _ = io.Copy(ws, rs)
	out.MD5 = hex.EncodeToString(hasher.Sum(nil))
	out.Entropy = entropyCalc.Sum()

	data := make([]byte, 1024)
	_, _ = rs.ReadAt(data, 0)
	out.FileType = detectFileType(data)
	return out
}

func detectFileType(data []byte) string {
	kind, _ := filetype.Match(data)
	if kind == filetype.Unknown {
		return "Data"
	}
	return kind.MIME.Value
}

func calculateEntropy(data []byte) float64 {
	size := float64(len(data))
	if size == 0 {
		return 0
	}
	var frequencies [256]uint64
	for _, v := range data {
		frequencies[v]++
	}
	var entropy float64
	for _, p := range frequencies {
		if p > 0 {
			freq := float64(p) / size
			entropy += freq * math.Log2(freq)
		}
	}
	return -entropy
}
