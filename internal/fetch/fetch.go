// Package fetch acquires one record's bytes and lands them on disk: download,
// signature classification, container decomposition, duplicate suppression,
// metadata tagging, and the ledger transitions that make all of it resumable.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"memento/internal/bundle"
	"memento/internal/config"
	"memento/internal/dedupe"
	"memento/internal/faults"
	"memento/internal/fileutil"
	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/media"
	"memento/internal/record"
	"memento/internal/tagging"
)

// maxPayloadBytes caps a single download. Export media tops out well under
// this; anything larger is a runaway response body.
const maxPayloadBytes = 2 << 30

// smallPayloadBytes is the size below which a successful download is logged
// as suspicious. Real media is never this small; truncated transfers and
// placeholder responses are.
const smallPayloadBytes = 1024

// snippetLen bounds the diagnostic excerpt stored for unclassifiable bytes.
const snippetLen = 120

// Fetcher downloads and persists media for individual records. All terminal
// outcomes go through the ledger before Process returns; the only errors it
// returns are run-fatal ones (ledger persistence, cancellation).
type Fetcher struct {
	client    *http.Client
	userAgent string
	outputDir string
	namer     fileutil.Namer
	led       *ledger.Ledger
	dupes     *dedupe.Engine
	tagger    tagging.Tagger
	logger    *slog.Logger

	// overlaysOnly restricts processing to composite containers that carry
	// an overlay entry; everything else is reverted to pending untouched.
	overlaysOnly bool
}

// SetOverlaysOnly toggles the overlays-only filter for this run.
func (f *Fetcher) SetOverlaysOnly(v bool) {
	f.overlaysOnly = v
}

// New builds a Fetcher from the run configuration. dupes may be nil when
// duplicate detection is disabled; tagger must never be nil (use
// tagging.Noop{}).
func New(cfg *config.Config, led *ledger.Ledger, dupes *dedupe.Engine, tagger tagging.Tagger, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
		},
		userAgent: cfg.Download.UserAgent,
		outputDir: cfg.Paths.OutputDir,
		namer:     fileutil.Namer{Timestamp: cfg.Naming.TimestampFilenames},
		led:       led,
		dupes:     dupes,
		tagger:    tagger,
		logger:    logging.WithComponent(logger, "fetch"),
	}
}

// Process acquires one record end to end. Per-record failures are written to
// the ledger and do not propagate; the returned error is either a ledger
// persistence failure or the context's cancellation.
func (f *Fetcher) Process(ctx context.Context, rec record.Record) error {
	// Persist in_progress before the transfer starts so a crash mid-fetch
	// is distinguishable from a record that was never attempted.
	if err := f.led.Update(rec.Seq, ledger.StatusInProgress, nil, ""); err != nil {
		return err
	}

	data, err := f.download(ctx, rec.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return f.fail(rec.Seq, err)
	}
	if len(data) < smallPayloadBytes {
		f.logger.Warn("suspiciously small payload",
			logging.Record(rec.Seq),
			logging.Int("bytes", len(data)))
	}

	kind := media.Detect(data)
	if kind == media.KindUnknown {
		err := faults.Wrap(faults.ErrInvalidContent, "fetch", "classify",
			fmt.Sprintf("unrecognized content, first bytes: %q", snippet(data)), nil)
		return f.fail(rec.Seq, err)
	}

	if f.overlaysOnly {
		hasOverlay := false
		if kind == media.KindArchive {
			hasOverlay, err = bundle.ContainsOverlay(data)
			if err != nil {
				return f.fail(rec.Seq, err)
			}
		}
		if !hasOverlay {
			// Not this run's concern; leave it for a full run later.
			return f.led.Update(rec.Seq, ledger.StatusPending, nil, "")
		}
	}

	var files []ledger.FileDescriptor
	if kind == media.KindArchive {
		files, err = f.writeLayers(ctx, rec, data)
	} else {
		files, err = f.writeSingle(ctx, rec, data, kind)
	}
	if err != nil {
		return f.fail(rec.Seq, err)
	}

	if allDuplicates(files) {
		f.logger.Info("duplicate content, skipping write",
			logging.Record(rec.Seq),
			logging.String("original", files[0].Path))
		return f.led.Update(rec.Seq, ledger.StatusSkipped, files, "")
	}

	f.logger.Info("record acquired",
		logging.Record(rec.Seq),
		logging.String("kind", string(kind)),
		logging.Int("files", len(files)))
	return f.led.Update(rec.Seq, ledger.StatusSuccess, files, "")
}

// fail records a per-record failure and swallows it; only the ledger write
// itself can make the run stop.
func (f *Fetcher) fail(seq int, cause error) error {
	f.logger.Error("record failed",
		logging.Record(seq),
		logging.Bool("retryable", faults.Retryable(cause)),
		logging.Error(cause))
	return f.led.Update(seq, ledger.StatusFailed, nil, cause.Error())
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransfer, "fetch", "build request", "", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransfer, "fetch", "download", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, faults.Wrap(faults.ErrTransfer, "fetch", "download",
			fmt.Sprintf("unexpected status %s", resp.Status), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransfer, "fetch", "read body", "", err)
	}
	return data, nil
}

func (f *Fetcher) writeSingle(ctx context.Context, rec record.Record, data []byte, kind media.Kind) ([]ledger.FileDescriptor, error) {
	ext := media.Extension(kind, rec.FallbackExtension())
	name := f.namer.Name(rec.Seq, rec.Date, "", ext)
	desc, err := f.writeFile(ctx, rec, name, data, kind, ledger.RoleSingle)
	if err != nil {
		return nil, err
	}
	return []ledger.FileDescriptor{desc}, nil
}

func (f *Fetcher) writeLayers(ctx context.Context, rec record.Record, data []byte) ([]ledger.FileDescriptor, error) {
	layers, err := bundle.Decompose(data)
	if err != nil {
		return nil, err
	}

	mainKind := media.Detect(layers.Main)
	mainExt := media.Extension(mainKind, fallbackExt(layers.MainExt, rec))
	if !layers.HasOverlay() {
		// Container with a lone entry: treat as single media.
		name := f.namer.Name(rec.Seq, rec.Date, "", mainExt)
		desc, err := f.writeFile(ctx, rec, name, layers.Main, mainKind, ledger.RoleSingle)
		if err != nil {
			return nil, err
		}
		return []ledger.FileDescriptor{desc}, nil
	}

	mainName := f.namer.Name(rec.Seq, rec.Date, "main", mainExt)
	mainDesc, err := f.writeFile(ctx, rec, mainName, layers.Main, mainKind, ledger.RoleMain)
	if err != nil {
		return nil, err
	}

	overlayKind := media.Detect(layers.Overlay)
	overlayExt := media.Extension(overlayKind, fallbackExt(layers.OverlayExt, rec))
	overlayName := f.namer.Name(rec.Seq, rec.Date, "overlay", overlayExt)
	overlayDesc, err := f.writeFile(ctx, rec, overlayName, layers.Overlay, overlayKind, ledger.RoleOverlay)
	if err != nil {
		return nil, err
	}
	return []ledger.FileDescriptor{mainDesc, overlayDesc}, nil
}

// writeFile tags (images only), consults the duplicate detector on the exact
// bytes about to land, writes, stamps the capture time, and registers the
// bytes for future comparisons. A duplicate returns a descriptor pointing at
// the surviving file instead of writing anything.
func (f *Fetcher) writeFile(ctx context.Context, rec record.Record, name string, data []byte, kind media.Kind, role ledger.FileRole) (ledger.FileDescriptor, error) {
	if kind.IsImage() {
		tagged, err := f.tagger.Tag(ctx, data, tagsFor(rec))
		if err != nil {
			// Tagging is best effort: keep the untagged bytes.
			f.logger.Warn("tagging failed, writing untagged",
				logging.Record(rec.Seq),
				logging.Error(err))
		} else {
			data = tagged
		}
	}

	// The consult runs on the post-tagging bytes: that is what was registered
	// for the surviving file, so sizes and hashes line up between runs. The
	// size prefilter guarantees len(data) equals the surviving file's size.
	if f.dupes != nil {
		if existing, dup := f.dupes.Check(data, rec.Date); dup {
			return ledger.FileDescriptor{
				Path: existing,
				Size: int64(len(data)),
				Role: ledger.RoleDuplicate,
			}, nil
		}
	}

	path := filepath.Join(f.outputDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return ledger.FileDescriptor{}, faults.Wrap(faults.ErrIO, "fetch", "write file", name, err)
	}
	if err := fileutil.SetModTime(path, rec.Date); err != nil {
		f.logger.Warn("set mtime failed", logging.Record(rec.Seq), logging.Error(err))
	}
	if f.dupes != nil {
		f.dupes.Add(path, data, rec.Date)
	}
	return ledger.FileDescriptor{Path: path, Size: int64(len(data)), Role: role}, nil
}

// allDuplicates reports whether every descriptor points at previously written
// content, meaning the record produced no new files.
func allDuplicates(files []ledger.FileDescriptor) bool {
	if len(files) == 0 {
		return false
	}
	for _, desc := range files {
		if desc.Role != ledger.RoleDuplicate {
			return false
		}
	}
	return true
}

func tagsFor(rec record.Record) tagging.Tags {
	tags := tagging.Tags{Capture: rec.Date}
	if rec.HasLocation() {
		tags.Latitude = rec.Latitude
		tags.Longitude = rec.Longitude
	}
	return tags
}

// fallbackExt prefers the container entry's own extension over the hint's.
func fallbackExt(entryExt string, rec record.Record) string {
	if entryExt != "" {
		return entryExt
	}
	return rec.FallbackExtension()
}

// snippet renders the leading bytes of an unclassifiable payload for the
// ledger error message, with non-printable bytes escaped.
func snippet(data []byte) string {
	if len(data) > snippetLen {
		data = data[:snippetLen]
	}
	var b strings.Builder
	for _, r := range string(data) {
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}
