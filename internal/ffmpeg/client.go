// Package ffmpeg wraps the external transcoder binary used for video overlay
// compositing and multi-clip concatenation. ffmpeg is an optional
// collaborator: callers probe availability and degrade to keeping separate
// files when it is absent.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// Outputs smaller than this are treated as failed encodes even when the
// process exits zero; ffmpeg can emit a header-only file on some failures.
const minValidOutputBytes = 1000

// Client defines transcoder behaviour consumed by the compositor and joiner.
type Client interface {
	// MergeOverlay composites overlayPath onto mainPath, writing outputPath.
	MergeOverlay(ctx context.Context, mainPath, overlayPath, outputPath string) error
	// Concat stream-copies inputs into outputPath in order, no re-encoding.
	Concat(ctx context.Context, inputs []string, outputPath string) error
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithEncoder overrides the H.264 encoder ffmpeg should use.
func WithEncoder(encoder string) Option {
	return func(c *CLI) {
		if encoder != "" {
			c.encoder = encoder
		}
	}
}

// WithMergeTimeout bounds a single overlay merge invocation.
func WithMergeTimeout(d time.Duration) Option {
	return func(c *CLI) {
		if d > 0 {
			c.mergeTimeout = d
		}
	}
}

// WithConcatTimeout bounds a single concatenation invocation.
func WithConcatTimeout(d time.Duration) Option {
	return func(c *CLI) {
		if d > 0 {
			c.concatTimeout = d
		}
	}
}

// CLI invokes the ffmpeg command line.
type CLI struct {
	binary        string
	encoder       string
	mergeTimeout  time.Duration
	concatTimeout time.Duration
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{
		binary:        "ffmpeg",
		encoder:       "libx264",
		mergeTimeout:  10 * time.Minute,
		concatTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Available reports whether the configured binary resolves on PATH.
func (c *CLI) Available() bool {
	_, err := exec.LookPath(c.binary)
	return err == nil
}

// The overlay is rescaled to the main stream's frame size and composited
// until the shorter stream ends; still-image overlays loop for the full
// duration of the main stream.
const overlayFilterGraph = "[0:v]setsar=1[base];" +
	"[1:v]setsar=1[ovr];" +
	"[ovr][base]scale2ref[ovr_s][base_s];" +
	"[base_s][ovr_s]overlay=eof_action=pass:format=auto[outv]"

// MergeOverlay composites the overlay onto the main video. The first attempt
// stream-copies audio; if that fails (the source audio codec may be invalid
// for the output container) it retries once re-encoding audio to AAC. Partial
// outputs are removed on failure so callers never see a half-written merge.
func (c *CLI) MergeOverlay(ctx context.Context, mainPath, overlayPath, outputPath string) error {
	if mainPath == "" || overlayPath == "" || outputPath == "" {
		return errors.New("main, overlay, and output paths required")
	}

	var lastErr error
	for _, copyAudio := range []bool{true, false} {
		args := c.overlayArgs(mainPath, overlayPath, outputPath, copyAudio)
		err := c.run(ctx, c.mergeTimeout, args)
		if err == nil {
			if verifyErr := verifyOutput(outputPath); verifyErr == nil {
				return nil
			} else {
				err = verifyErr
			}
		}
		removeIfExists(outputPath)
		lastErr = err
	}
	return fmt.Errorf("overlay merge failed: %w", lastErr)
}

func (c *CLI) overlayArgs(mainPath, overlayPath, outputPath string, copyAudio bool) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", mainPath}
	if isStillImage(overlayPath) {
		args = append(args, "-loop", "1")
	}
	args = append(args, "-i", overlayPath,
		"-filter_complex", overlayFilterGraph,
		"-map", "[outv]",
		"-map", "0:a?",
		"-c:v", c.encoder,
		"-preset", "medium", "-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	)
	if copyAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "192k")
	}
	return append(args, outputPath)
}

// Concat joins inputs via the concat demuxer with stream copy. Input files
// are referenced through a temporary list file next to the output.
func (c *CLI) Concat(ctx context.Context, inputs []string, outputPath string) error {
	if len(inputs) < 2 {
		return errors.New("concat requires at least two inputs")
	}
	if outputPath == "" {
		return errors.New("output path required")
	}

	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(listPath, inputs); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}
	if err := c.run(ctx, c.concatTimeout, args); err != nil {
		removeIfExists(outputPath)
		return fmt.Errorf("concat failed: %w", err)
	}
	if err := verifyOutput(outputPath); err != nil {
		removeIfExists(outputPath)
		return fmt.Errorf("concat failed: %w", err)
	}
	return nil
}

func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, input := range inputs {
		abs, err := filepath.Abs(input)
		if err != nil {
			return err
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func (c *CLI) run(ctx context.Context, timeout time.Duration, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := commandContext(runCtx, c.binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", c.binary, timeout)
		}
		return fmt.Errorf("%s exited: %w: %s", c.binary, err, summarizeStderr(stderr.String()))
	}
	return nil
}

func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() < minValidOutputBytes {
		return fmt.Errorf("output suspiciously small (%d bytes)", info.Size())
	}
	return nil
}

func removeIfExists(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
}

func isStillImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".bmp", ".tif", ".tiff":
		return true
	default:
		return false
	}
}

const (
	stderrHighlightLines = 8
	stderrTailLines      = 10
	stderrMaxBytes       = 2000
)

// summarizeStderr condenses ffmpeg's console spew to the lines a user needs:
// anything that looks like an error, plus the tail.
func summarizeStderr(text string) string {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return "(no diagnostic output)"
	}

	var interesting []string
	needles := []string{"error", "failed", "invalid", "could not", "unknown", "not found"}
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, needle := range needles {
			if strings.Contains(lower, needle) {
				interesting = append(interesting, line)
				break
			}
		}
	}
	if len(interesting) > stderrHighlightLines {
		interesting = interesting[len(interesting)-stderrHighlightLines:]
	}

	tail := lines
	if len(tail) > stderrTailLines {
		tail = tail[len(tail)-stderrTailLines:]
	}

	combined := strings.Join(append(interesting, tail...), " | ")
	if len(combined) > stderrMaxBytes {
		combined = combined[len(combined)-stderrMaxBytes:]
	}
	return combined
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

var _ Client = (*CLI)(nil)
