// Package overlay merges a record's main and overlay layers into one file.
// Image pairs are composited in-process; video pairs are delegated to the
// external transcoder. Source layers are only deleted once the merged output
// is confirmed on disk, so a failed merge never loses data.
package overlay

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"memento/internal/faults"
	"memento/internal/ffmpeg"
	"memento/internal/fileutil"
	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/media"
)

// Compositor merges layer pairs for ledger entries and for bare directories.
type Compositor struct {
	outputDir  string
	namer      fileutil.Namer
	led        *ledger.Ledger
	transcoder ffmpeg.Client
	logger     *slog.Logger
}

// New builds a Compositor. transcoder may be nil when ffmpeg is not
// installed; video pairs are then left unmerged with a diagnostic.
func New(outputDir string, namer fileutil.Namer, led *ledger.Ledger, transcoder ffmpeg.Client, logger *slog.Logger) *Compositor {
	return &Compositor{
		outputDir:  outputDir,
		namer:      namer,
		led:        led,
		transcoder: transcoder,
		logger:     logging.WithComponent(logger, "overlay"),
	}
}

// Eligible reports whether an entry's descriptor set is exactly a
// main+overlay pair. Already-merged entries fail this check, which is what
// makes re-running the compositor idempotent.
func Eligible(entry ledger.Entry) bool {
	return len(entry.Files) == 2 &&
		entry.HasRole(ledger.RoleMain) &&
		entry.HasRole(ledger.RoleOverlay)
}

// VideoPair inspects the main layer's extension. Classification happened at
// write time; the extension is trustworthy here.
func VideoPair(entry ledger.Entry) bool {
	main, _ := entry.FileByRole(ledger.RoleMain)
	return media.VideoExtension(filepath.Ext(main.Path))
}

// MergeEntry composites one eligible entry's layers and swaps its descriptor
// pair for a single merged descriptor. Ineligible entries are a no-op. Merge
// failures are recorded on the entry without touching its files; only ledger
// writes and cancellation propagate.
func (c *Compositor) MergeEntry(ctx context.Context, seq int) error {
	entry, ok := c.led.Get(seq)
	if !ok || !Eligible(entry) {
		return nil
	}

	main, _ := entry.FileByRole(ledger.RoleMain)
	over, _ := entry.FileByRole(ledger.RoleOverlay)

	var (
		mergedPath string
		err        error
	)
	if VideoPair(entry) {
		mergedPath, err = c.mergeVideo(ctx, seq, entry, main.Path, over.Path)
	} else {
		mergedPath, err = c.mergeImage(seq, entry, main.Path, over.Path)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("merge failed, keeping layers",
			logging.Record(seq), logging.Error(err))
		return c.led.Update(seq, entry.Status, nil, err.Error())
	}

	info, statErr := os.Stat(mergedPath)
	if statErr != nil || info.Size() == 0 {
		return c.led.Update(seq, entry.Status, nil,
			faults.Wrap(faults.ErrMergeFailed, "overlay", "verify output", mergedPath, statErr).Error())
	}
	if err := fileutil.SetModTime(mergedPath, entry.CaptureTime()); err != nil {
		c.logger.Warn("set mtime failed", logging.Record(seq), logging.Error(err))
	}

	// Output verified; now the sources can go.
	for _, p := range []string{main.Path, over.Path} {
		if err := os.Remove(p); err != nil {
			c.logger.Warn("remove source layer", logging.String("path", p), logging.Error(err))
		}
	}

	c.logger.Info("layers merged", logging.Record(seq), logging.String("output", mergedPath))
	return c.led.ReplaceFiles(seq, []ledger.FileDescriptor{{
		Path: mergedPath,
		Size: info.Size(),
		Role: ledger.RoleMerged,
	}})
}

// MergeBatch runs MergeEntry over every eligible entry, optionally
// restricted to video pairs. Used for the deferred video phase, which keeps
// transcoder invocations out of the acquisition loop.
func (c *Compositor) MergeBatch(ctx context.Context, videoOnly bool) (int, error) {
	merged := 0
	for _, seq := range c.led.Sequences() {
		if ctx.Err() != nil {
			return merged, ctx.Err()
		}
		entry, ok := c.led.Get(seq)
		if !ok || !Eligible(entry) {
			continue
		}
		if videoOnly && !VideoPair(entry) {
			continue
		}
		before, _ := c.led.Get(seq)
		if err := c.MergeEntry(ctx, seq); err != nil {
			return merged, err
		}
		after, _ := c.led.Get(seq)
		if len(before.Files) != len(after.Files) {
			merged++
		}
	}
	return merged, nil
}

func (c *Compositor) mergeVideo(ctx context.Context, seq int, entry ledger.Entry, mainPath, overlayPath string) (string, error) {
	if c.transcoder == nil {
		return "", faults.Wrap(faults.ErrMergeFailed, "overlay", "merge video",
			"transcoder unavailable", nil)
	}
	output := filepath.Join(c.outputDir, c.namer.Name(seq, entry.CaptureTime(), "", filepath.Ext(mainPath)))
	if err := c.transcoder.MergeOverlay(ctx, mainPath, overlayPath, output); err != nil {
		return "", err
	}
	return output, nil
}

func (c *Compositor) mergeImage(seq int, entry ledger.Entry, mainPath, overlayPath string) (string, error) {
	merged, ext, err := compositeFiles(mainPath, overlayPath)
	if err != nil {
		return "", err
	}
	output := filepath.Join(c.outputDir, c.namer.Name(seq, entry.CaptureTime(), "", ext))
	if err := os.WriteFile(output, merged, 0o644); err != nil {
		return "", faults.Wrap(faults.ErrIO, "overlay", "write merged image", output, err)
	}
	return output, nil
}

// MergeDirectory scans dir for "-main"/"-overlay" file pairs and merges each
// one in place, without consulting any ledger. This recovers directories
// produced by earlier runs that kept layers separate.
func (c *Compositor) MergeDirectory(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, faults.Wrap(faults.ErrIO, "overlay", "scan directory", dir, err)
	}

	overlays := make(map[string]string)
	var mains []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		switch {
		case strings.HasSuffix(stem, "-overlay"):
			overlays[strings.TrimSuffix(stem, "-overlay")] = name
		case strings.HasSuffix(stem, "-main"):
			mains = append(mains, name)
		}
	}

	merged := 0
	for _, mainName := range mains {
		if ctx.Err() != nil {
			return merged, ctx.Err()
		}
		ext := filepath.Ext(mainName)
		stem := strings.TrimSuffix(strings.TrimSuffix(mainName, ext), "-main")
		overlayName, ok := overlays[stem]
		if !ok {
			continue
		}
		mainPath := filepath.Join(dir, mainName)
		overlayPath := filepath.Join(dir, overlayName)
		if err := c.mergePair(ctx, dir, stem, mainPath, overlayPath); err != nil {
			if ctx.Err() != nil {
				return merged, ctx.Err()
			}
			c.logger.Error("merge failed, keeping layers",
				logging.String("main", mainName), logging.Error(err))
			continue
		}
		merged++
	}
	return merged, nil
}

// mergePair merges one directory-scanned pair, deleting sources only after
// the output is verified.
func (c *Compositor) mergePair(ctx context.Context, dir, stem, mainPath, overlayPath string) error {
	var output string
	if media.VideoExtension(filepath.Ext(mainPath)) {
		if c.transcoder == nil {
			return faults.Wrap(faults.ErrMergeFailed, "overlay", "merge video", "transcoder unavailable", nil)
		}
		output = filepath.Join(dir, stem+filepath.Ext(mainPath))
		if err := c.transcoder.MergeOverlay(ctx, mainPath, overlayPath, output); err != nil {
			return err
		}
	} else {
		merged, ext, err := compositeFiles(mainPath, overlayPath)
		if err != nil {
			return err
		}
		output = filepath.Join(dir, stem+ext)
		if err := os.WriteFile(output, merged, 0o644); err != nil {
			return faults.Wrap(faults.ErrIO, "overlay", "write merged image", output, err)
		}
	}

	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return faults.Wrap(faults.ErrMergeFailed, "overlay", "verify output", output, err)
	}
	for _, p := range []string{mainPath, overlayPath} {
		if err := os.Remove(p); err != nil {
			c.logger.Warn("remove source layer", logging.String("path", p), logging.Error(err))
		}
	}
	c.logger.Info("layers merged", logging.String("output", output))
	return nil
}
