package tagging

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"memento/internal/faults"
)

// commandContext is swapped out by tests to avoid invoking a real binary.
var commandContext = exec.CommandContext

const tagTimeout = 30 * time.Second

// ExifTool tags JPEG bytes by shelling out to exiftool. Other formats pass
// through unchanged; exiftool's sidecar-free JPEG rewrite is the only mode
// we rely on.
type ExifTool struct {
	binary string
}

// NewExifTool returns a tagger that invokes the given binary ("exiftool"
// when empty).
func NewExifTool(binary string) *ExifTool {
	if binary == "" {
		binary = "exiftool"
	}
	return &ExifTool{binary: binary}
}

// Available reports whether the configured binary resolves on PATH.
func (e *ExifTool) Available() bool {
	_, err := exec.LookPath(e.binary)
	return err == nil
}

// Tag implements Tagger. JPEG input is rewritten in a temp file with GPS and
// capture-time tags; anything else is returned as-is.
func (e *ExifTool) Tag(ctx context.Context, data []byte, tags Tags) ([]byte, error) {
	if tags.Empty() || !isJPEG(data) {
		return data, nil
	}

	tmp, err := os.CreateTemp("", "memento-tag-*.jpg")
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "tagging", "tag", "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, faults.Wrap(faults.ErrIO, "tagging", "tag", "write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, faults.Wrap(faults.ErrIO, "tagging", "tag", "close temp file", err)
	}

	args := buildArgs(tags)
	args = append(args, "-overwrite_original", tmpPath)

	runCtx, cancel := context.WithTimeout(ctx, tagTimeout)
	defer cancel()
	cmd := commandContext(runCtx, e.binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return nil, faults.Wrap(faults.ErrIO, "tagging", "tag", fmt.Sprintf("exiftool: %s", firstLine(msg)), err)
	}

	tagged, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "tagging", "tag", "read tagged file", err)
	}
	return tagged, nil
}

func buildArgs(tags Tags) []string {
	var args []string
	if tags.Latitude != "" && tags.Longitude != "" {
		args = append(args,
			fmt.Sprintf("-GPSLatitude=%s", tags.Latitude),
			fmt.Sprintf("-GPSLatitudeRef=%s", hemisphere(tags.Latitude, "N", "S")),
			fmt.Sprintf("-GPSLongitude=%s", tags.Longitude),
			fmt.Sprintf("-GPSLongitudeRef=%s", hemisphere(tags.Longitude, "E", "W")),
		)
	}
	if !tags.Capture.IsZero() {
		stamp := tags.Capture.Format("2006:01:02 15:04:05")
		args = append(args,
			fmt.Sprintf("-DateTimeOriginal=%s", stamp),
			fmt.Sprintf("-CreateDate=%s", stamp),
		)
	}
	return args
}

func hemisphere(coord, positive, negative string) string {
	if strings.HasPrefix(strings.TrimSpace(coord), "-") {
		return negative
	}
	return positive
}

func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ Tagger = (*ExifTool)(nil)
