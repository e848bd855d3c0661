package overlay

import (
	"bytes"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"

	"golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"memento/internal/faults"
)

const jpegQuality = 95

// compositeFiles alpha-composites the overlay file over the main file and
// re-encodes in the main's format. Returns the merged bytes and the output
// extension, which differs from the main's only for formats Go cannot encode
// (webp falls back to png).
func compositeFiles(mainPath, overlayPath string) ([]byte, string, error) {
	base, format, err := decodeFile(mainPath)
	if err != nil {
		return nil, "", faults.Wrap(faults.ErrMergeFailed, "overlay", "decode main", mainPath, err)
	}
	over, _, err := decodeFile(overlayPath)
	if err != nil {
		return nil, "", faults.Wrap(faults.ErrMergeFailed, "overlay", "decode overlay", overlayPath, err)
	}

	merged := composite(base, over)
	data, ext, err := encode(merged, format)
	if err != nil {
		return nil, "", faults.Wrap(faults.ErrMergeFailed, "overlay", "encode merged", mainPath, err)
	}
	return data, ext, nil
}

func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return image.Decode(f)
}

// composite draws over onto base, rescaling the overlay proportionally when
// the dimensions differ and centering it within the base frame.
func composite(base, over image.Image) *image.RGBA {
	bounds := base.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, base, bounds.Min, draw.Src)

	ob := over.Bounds()
	if ob.Dx() != bounds.Dx() || ob.Dy() != bounds.Dy() {
		over = rescale(over, bounds.Dx(), bounds.Dy())
		ob = over.Bounds()
	}

	offset := image.Pt(
		bounds.Min.X+(bounds.Dx()-ob.Dx())/2,
		bounds.Min.Y+(bounds.Dy()-ob.Dy())/2,
	)
	draw.Draw(out, image.Rectangle{Min: offset, Max: offset.Add(ob.Size())}, over, ob.Min, draw.Over)
	return out
}

// rescale fits img within maxW x maxH preserving aspect ratio.
func rescale(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	scaleW := float64(maxW) / float64(b.Dx())
	scaleH := float64(maxH) / float64(b.Dy())
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	w := int(float64(b.Dx()) * scale)
	h := int(float64(b.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// encode writes img in the given decoded format. webp has no Go encoder, so
// merged webp mains come out as png.
func encode(img image.Image, format string) ([]byte, string, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
		return buf.Bytes(), ".jpg", err
	case "gif":
		err := gif.Encode(&buf, img, nil)
		return buf.Bytes(), ".gif", err
	case "bmp":
		err := bmp.Encode(&buf, img)
		return buf.Bytes(), ".bmp", err
	case "tiff":
		err := tiff.Encode(&buf, img, nil)
		return buf.Bytes(), ".tiff", err
	default:
		// png, webp, and anything unrecognized.
		err := png.Encode(&buf, img)
		return buf.Bytes(), ".png", err
	}
}
