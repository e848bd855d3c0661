// Package media classifies raw download payloads by byte signature. The
// classifier never trusts a URL extension or the export's declared media
// type: an expired download link hands back an HTML or JSON error body, and
// only signature sniffing catches that before it is saved as corrupt media.
package media

import "bytes"

// Kind identifies the detected content type of a payload.
type Kind string

const (
	KindArchive Kind = "archive"
	KindJPEG    Kind = "image-jpeg"
	KindPNG     Kind = "image-png"
	KindWebP    Kind = "image-webp"
	KindGIF     Kind = "image-gif"
	KindBMP     Kind = "image-bmp"
	KindTIFF    Kind = "image-tiff"
	KindMP4     Kind = "video-mp4"
	KindMOV     Kind = "video-mov"
	KindHEIC    Kind = "image-heic"
	KindUnknown Kind = "unknown"
)

// SniffLen is the number of leading bytes Detect needs to classify every
// supported signature.
const SniffLen = 16

var heicBrands = [][]byte{
	[]byte("heic"), []byte("heix"), []byte("heim"),
	[]byte("hevc"), []byte("hevx"), []byte("mif1"), []byte("msf1"),
}

// Detect classifies data from its leading bytes. It returns KindUnknown when
// no signature matches; that is a value, never an error, so callers decide
// whether an unclassifiable payload is fatal.
func Detect(data []byte) Kind {
	switch {
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("PK")):
		return KindArchive
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return KindJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}):
		return KindPNG
	case len(data) >= 6 && (bytes.Equal(data[:6], []byte("GIF87a")) || bytes.Equal(data[:6], []byte("GIF89a"))):
		return KindGIF
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return KindWebP
	case len(data) >= 2 && bytes.Equal(data[:2], []byte("BM")):
		return KindBMP
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte{'I', 'I', 0x2A, 0x00}) || bytes.Equal(data[:4], []byte{'M', 'M', 0x00, 0x2A})):
		return KindTIFF
	case len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")):
		return detectISOBase(data[8:12])
	default:
		return KindUnknown
	}
}

func detectISOBase(brand []byte) Kind {
	for _, b := range heicBrands {
		if bytes.Equal(brand, b) {
			return KindHEIC
		}
	}
	if bytes.Equal(brand, []byte("qt  ")) {
		return KindMOV
	}
	return KindMP4
}

// Extension returns the file extension for a kind, including the leading dot.
// The fallback is used for KindUnknown (and any unmapped kind) so callers can
// fall through to the export's declared media type.
func Extension(kind Kind, fallback string) string {
	switch kind {
	case KindArchive:
		return ".zip"
	case KindJPEG:
		return ".jpg"
	case KindPNG:
		return ".png"
	case KindGIF:
		return ".gif"
	case KindWebP:
		return ".webp"
	case KindBMP:
		return ".bmp"
	case KindTIFF:
		return ".tiff"
	case KindMP4:
		return ".mp4"
	case KindMOV:
		return ".mov"
	case KindHEIC:
		return ".heic"
	default:
		return fallback
	}
}

// IsImage reports whether the kind is a still image the in-process compositor
// can decode.
func (k Kind) IsImage() bool {
	switch k {
	case KindJPEG, KindPNG, KindWebP, KindGIF, KindBMP, KindTIFF, KindHEIC:
		return true
	default:
		return false
	}
}

// IsVideo reports whether the kind is motion content handled by the external
// transcoder.
func (k Kind) IsVideo() bool {
	return k == KindMP4 || k == KindMOV
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {},
	".gif": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
}

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".mov": {}, ".avi": {},
}

// ImageExtension reports whether ext (lower-cased, with leading dot) names a
// still-image format. Used where only a file name is available, e.g. picking
// a merge strategy for already-written layer files.
func ImageExtension(ext string) bool {
	_, ok := imageExtensions[ext]
	return ok
}

// VideoExtension reports whether ext names a motion-content format.
func VideoExtension(ext string) bool {
	_, ok := videoExtensions[ext]
	return ok
}
