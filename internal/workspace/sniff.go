package workspace

import "bytes"

// Format is a detected input image format.
type Format string

const (
	FormatUnknown Format = "unknown"
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatHEIC    Format = "heic"
)

// DefaultExt is used when detection fails.
const DefaultExt = ".jpg"

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

var heicBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("heif"),
	[]byte("mif1"), []byte("msf1"),
}

// DetectFormat sniffs the image format from the payload's magic bytes.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff:
		return FormatJPEG
	case bytes.HasPrefix(data, pngMagic):
		return FormatPNG
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	case isHEIC(data):
		return FormatHEIC
	}
	return FormatUnknown
}

// Ext returns the canonical file extension for the format, falling back to
// DefaultExt for unknown payloads.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	case FormatWebP:
		return ".webp"
	case FormatHEIC:
		return ".heic"
	}
	return DefaultExt
}

// isHEIC matches the ISO BMFF ftyp box with a known HEIF brand.
func isHEIC(data []byte) bool {
	if len(data) < 12 || !bytes.Equal(data[4:8], []byte("ftyp")) {
		return false
	}
	brand := data[8:12]
	for _, b := range heicBrands {
		if bytes.Equal(brand, b) {
			return true
		}
	}
	return false
}
