// Package bundle splits composite download payloads into their layers. The
// export service wraps edited memories in a zip container holding the
// captured media plus an "-overlay" entry carrying the drawn/typed layer.
package bundle

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"memento/internal/faults"
)

const overlayMarker = "-overlay"

// Layers holds the decomposed contents of a composite container. Main is
// always present; Overlay is nil when the container carried no overlay entry.
type Layers struct {
	Main       []byte
	MainExt    string
	Overlay    []byte
	OverlayExt string
}

// HasOverlay reports whether the layers include an overlay stream.
func (l Layers) HasOverlay() bool {
	return l.Overlay != nil
}

// Decompose opens data as a zip container and extracts the main and overlay
// entries. Callers must classify first: data is expected to already carry the
// archive signature. A container without a main entry, or one that cannot be
// opened, fails with faults.ErrMalformedArchive.
func Decompose(data []byte) (Layers, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Layers{}, faults.Wrap(faults.ErrMalformedArchive, "decompose", "open container", "", err)
	}

	var layers Layers
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		contents, err := readEntry(entry)
		if err != nil {
			return Layers{}, faults.Wrap(faults.ErrMalformedArchive, "decompose", "read entry", entry.Name, err)
		}
		ext := strings.ToLower(path.Ext(entry.Name))
		if isOverlayName(entry.Name) {
			layers.Overlay = contents
			layers.OverlayExt = ext
		} else {
			layers.Main = contents
			layers.MainExt = ext
		}
	}

	if layers.Main == nil {
		return Layers{}, faults.Wrap(faults.ErrMalformedArchive, "decompose", "inspect container", "no main entry present", nil)
	}
	return layers, nil
}

// ContainsOverlay reports whether the container names an overlay entry
// without extracting anything. Used by the overlays-only filter to skip
// plain containers cheaply.
func ContainsOverlay(data []byte) (bool, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false, faults.Wrap(faults.ErrMalformedArchive, "decompose", "open container", "", err)
	}
	for _, entry := range reader.File {
		if isOverlayName(entry.Name) {
			return true, nil
		}
	}
	return false, nil
}

func isOverlayName(name string) bool {
	return strings.Contains(strings.ToLower(name), overlayMarker)
}

func readEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
