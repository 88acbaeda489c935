package pe

// Codec decodes an arbitrary raster image container into the resolution
// set an icon installer needs. The core package never implements this
// itself — see the imagecodec package for a concrete implementation
// backed by golang.org/x/image — so that decoding a PNG/BMP/JPEG source
// image never becomes a hard dependency of parsing and rebuilding PE
// files.
type Codec interface {
	Decode(data []byte) ([]IconImage, error)
}
