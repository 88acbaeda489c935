// Package imagecodec decodes an arbitrary raster image and resamples it
// to the fixed resolution set an icon installer needs, implementing
// pe.Codec. The core pe package never imports this package; callers wire
// it in behind the interface. The peres CLI does not use it and reads
// only .ico files.
package imagecodec

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	// Registers the BMP decoder with the standard image package; the
	// stdlib itself only ships PNG, JPEG and GIF.
	_ "github.com/jsummers/gobmp"

	"github.com/h2non/filetype"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	pe "github.com/nrahimli/peres"
)

// Sizes is the fixed set of icon resolutions a raster source is
// resampled to, largest first so the resulting ICO's first directory
// entry (often treated as the "preview" image by tooling) is the
// highest-quality one.
var Sizes = []int{256, 128, 64, 48, 32, 24, 16}

// Codec implements pe.Codec using golang.org/x/image/draw for
// resampling and the standard image package's registered decoders
// (plus BMP via gobmp) for input.
type Codec struct{}

// Decode sniffs data's container, decodes it as a raster image, and
// resamples it to every entry in Sizes, returning one IconImage per
// resolution in descending size order.
func (Codec) Decode(data []byte) ([]pe.IconImage, error) {
	kind, err := filetype.Match(data)
	if err != nil {
		return nil, errors.Wrap(pe.ErrIconDecode, err.Error())
	}
	if kind == filetype.Unknown {
		return nil, errors.Wrap(pe.ErrIconDecode, "unrecognized raster image container")
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(pe.ErrIconDecode, err.Error())
	}

	images := make([]pe.IconImage, 0, len(Sizes))
	for _, size := range Sizes {
		resized := resample(src, size, size)
		var buf bytes.Buffer
		if err := png.Encode(&buf, resized); err != nil {
			return nil, errors.Wrap(pe.ErrIconDecode, fmt.Sprintf("encoding %dx%d icon frame: %v", size, size, err))
		}
		payload := buf.Bytes()
		images = append(images, pe.IconImage{
			Entry: pe.IconDirEntry{
				// ICONDIRENTRY stores 256 as 0 in its 1-byte width/height
				// fields; uint8(256) wraps to 0, which is exactly right.
				Width:      uint8(size),
				Height:     uint8(size),
				Planes:     1,
				BitCount:   32,
				BytesInRes: uint32(len(payload)),
			},
			Data: payload,
		})
	}
	return images, nil
}

// resample scales src to w x h using a Catmull-Rom kernel, which holds
// up better than nearest/bilinear when shrinking a large source image
// down to the smaller icon resolutions (16x16, 24x24).
func resample(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
