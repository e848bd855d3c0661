// Package pipeline orchestrates a full export-recovery run: preflight,
// ledger seeding, the single-worker acquisition loop, and the post-processing
// phases (overlay compositing, duplicate removal, temporal joining). One
// Pipeline owns the output directory and its ledger for the whole run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"memento/internal/config"
	"memento/internal/dedupe"
	"memento/internal/fetch"
	"memento/internal/ffmpeg"
	"memento/internal/fileutil"
	"memento/internal/joiner"
	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/overlay"
	"memento/internal/record"
	"memento/internal/report"
	"memento/internal/tagging"
)

// Mode selects which ledger entries a run touches.
type Mode string

const (
	// ModeRun processes pending and interrupted (in_progress) entries.
	ModeRun Mode = "run"
	// ModeRetryFailed re-enters only failed entries; success and skipped
	// entries are never touched.
	ModeRetryFailed Mode = "retry-failed"
)

// KindFilter restricts acquisition to one media kind, judged by the export's
// hint.
type KindFilter string

const (
	KindAll    KindFilter = ""
	KindImages KindFilter = "images"
	KindVideos KindFilter = "videos"
)

// Options configure one run.
type Options struct {
	Mode         Mode
	Kind         KindFilter
	OverlaysOnly bool
	// Limit stops acquisition after this many records were processed.
	// Zero means no limit.
	Limit int
}

// Pipeline wires the run's collaborators together.
type Pipeline struct {
	cfg    *config.Config
	source record.Source
	logger *slog.Logger

	transcoder ffmpeg.Client
	tagger     tagging.Tagger
}

// New builds a Pipeline, probing the optional external collaborators. A
// missing ffmpeg or exiftool degrades the relevant features instead of
// failing.
func New(cfg *config.Config, source record.Source, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		cfg:    cfg,
		source: source,
		logger: logging.WithComponent(logger, "pipeline"),
		tagger: tagging.Noop{},
	}

	cli := ffmpeg.NewCLI(
		ffmpeg.WithBinary(cfg.FFmpeg.Binary),
		ffmpeg.WithEncoder(cfg.FFmpeg.Encoder),
		ffmpeg.WithMergeTimeout(time.Duration(cfg.FFmpeg.MergeTimeoutSeconds)*time.Second),
		ffmpeg.WithConcatTimeout(time.Duration(cfg.FFmpeg.JoinTimeoutSeconds)*time.Second),
	)
	if cli.Available() {
		p.transcoder = cli
	} else {
		p.logger.Warn("ffmpeg not found, video merging and joining disabled",
			logging.String("binary", cfg.FFmpeg.Binary))
	}

	if cfg.Tagging.Enabled {
		exif := tagging.NewExifTool(cfg.Tagging.Binary)
		if exif.Available() {
			p.tagger = exif
		} else {
			p.logger.Warn("exiftool not found, metadata tagging disabled",
				logging.String("binary", cfg.Tagging.Binary))
		}
	}
	return p
}

// Run executes the full pipeline and returns the run report. The returned
// error covers run-fatal conditions only; per-record failures land in the
// ledger and the report.
func (p *Pipeline) Run(ctx context.Context, opts Options) (report.Report, error) {
	runID := uuid.NewString()[:8]
	started := time.Now()
	logger := p.logger.With(slog.String(logging.FieldRunID, runID))
	logger.Info("run starting", logging.String("mode", string(opts.Mode)))

	if err := p.preflight(); err != nil {
		return report.Report{}, err
	}

	led, err := ledger.Open(p.cfg.Paths.OutputDir)
	if err != nil {
		return report.Report{}, err
	}
	defer led.Close()
	if led.Rebuilt() {
		logger.Warn("ledger was corrupt and recovered from backup; unresolved records restart from pending")
	}

	records, err := p.source.Records()
	if err != nil {
		return report.Report{}, fmt.Errorf("load records: %w", err)
	}
	if err := led.Seed(records); err != nil {
		return report.Report{}, err
	}
	logger.Info("ledger seeded", logging.Int("records", led.Len()))

	var engine *dedupe.Engine
	if p.cfg.Dedupe.Enabled {
		cache, err := dedupe.OpenCache(p.cfg.Paths.LogDir)
		if err != nil {
			logger.Warn("fingerprint cache unavailable, hashing without it", logging.Error(err))
			engine = dedupe.NewEngine(nil)
		} else {
			defer cache.Close()
			engine = dedupe.NewEngine(cache)
		}
		p.seedDedupe(ctx, led, engine, logger)
	}

	fetcher := fetch.New(p.cfg, led, engine, p.tagger, logger)
	fetcher.SetOverlaysOnly(opts.OverlaysOnly)
	namer := fileutil.Namer{Timestamp: p.cfg.Naming.TimestampFilenames}
	compositor := overlay.New(p.cfg.Paths.OutputDir, namer, led, p.transcoder, logger)

	totals := report.Totals{}
	if err := p.acquire(ctx, led, fetcher, compositor, records, opts, &totals); err != nil {
		// An interrupted run still reports what it got through.
		if ctx.Err() == nil {
			return report.Report{}, err
		}
		logger.Warn("run interrupted", logging.Error(err))
	}

	if ctx.Err() == nil && p.cfg.Overlays.Merge && p.cfg.Overlays.DeferVideo {
		merged, err := compositor.MergeBatch(ctx, true)
		totals.MergedOverlays += merged
		if err != nil && ctx.Err() == nil {
			return report.Report{}, err
		}
	}

	if ctx.Err() == nil && p.cfg.Join.Enabled && opts.Kind != KindImages {
		j := joiner.New(p.cfg.Paths.OutputDir, namer, led, p.transcoder,
			time.Duration(p.cfg.Join.ThresholdSeconds)*time.Second, logger)
		joined, err := j.Run(ctx)
		totals.JoinedGroups = joined
		if err != nil && ctx.Err() == nil {
			return report.Report{}, err
		}
	}

	rep := report.Build(runID, p.modeLabel(opts), started, time.Now(), led, totals)
	if path, err := rep.Save(p.cfg.Paths.LogDir); err != nil {
		logger.Warn("report not saved", logging.Error(err))
	} else {
		logger.Info("report saved", logging.String("path", path))
	}
	logger.Info("run finished",
		logging.Int("success", rep.Success),
		logging.Int("failed", rep.Failed),
		logging.Int("skipped", rep.Skipped))
	return rep, nil
}

// acquire drives the single-worker loop in ascending sequence order.
// Compositing for a record happens right after its acquisition reaches
// success; video pairs wait for the deferred batch when configured.
func (p *Pipeline) acquire(ctx context.Context, led *ledger.Ledger, fetcher *fetch.Fetcher, compositor *overlay.Compositor, records []record.Record, opts Options, totals *report.Totals) error {
	processed := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opts.Limit > 0 && processed >= opts.Limit {
			break
		}
		entry, ok := led.Get(rec.Seq)
		if !ok || !eligible(entry.Status, opts.Mode) {
			continue
		}
		if !kindMatches(rec.Hint, opts.Kind) {
			continue
		}

		if err := fetcher.Process(ctx, rec); err != nil {
			return err
		}
		processed++

		// An eligible record can only end up skipped when its bytes matched
		// an earlier file, so count it as a suppressed duplicate.
		if after, ok := led.Get(rec.Seq); ok && after.Status == ledger.StatusSkipped {
			totals.DuplicatesRemoved++
		}

		if p.cfg.Overlays.Merge {
			entry, ok := led.Get(rec.Seq)
			if ok && overlay.Eligible(entry) {
				if overlay.VideoPair(entry) && p.cfg.Overlays.DeferVideo {
					continue
				}
				before := len(entry.Files)
				if err := compositor.MergeEntry(ctx, rec.Seq); err != nil {
					return err
				}
				if after, ok := led.Get(rec.Seq); ok && len(after.Files) != before {
					totals.MergedOverlays++
				}
			}
		}
	}
	return nil
}

func eligible(status ledger.Status, mode Mode) bool {
	switch mode {
	case ModeRetryFailed:
		return status == ledger.StatusFailed
	default:
		return status == ledger.StatusPending || status == ledger.StatusInProgress
	}
}

func kindMatches(hint record.MediaHint, filter KindFilter) bool {
	switch filter {
	case KindImages:
		return hint != record.HintVideo
	case KindVideos:
		return hint == record.HintVideo
	default:
		return true
	}
}

// seedDedupe registers prior runs' outputs so resumed runs still suppress
// duplicates across the whole export.
func (p *Pipeline) seedDedupe(ctx context.Context, led *ledger.Ledger, engine *dedupe.Engine, logger *slog.Logger) {
	for _, seq := range led.Sequences() {
		entry, ok := led.Get(seq)
		if !ok || entry.Status != ledger.StatusSuccess {
			continue
		}
		capture := entry.CaptureTime()
		for _, f := range entry.Files {
			if f.Role == ledger.RoleDuplicate {
				continue
			}
			if err := engine.AddFile(ctx, f.Path, capture); err != nil {
				logger.Warn("seed fingerprint failed",
					logging.Record(seq),
					logging.String("path", f.Path),
					logging.Error(err))
			}
		}
	}
}

func (p *Pipeline) preflight() error {
	if err := p.cfg.EnsureDirectories(); err != nil {
		return err
	}
	if err := fileutil.CheckWritable(p.cfg.Paths.OutputDir); err != nil {
		return err
	}
	if min := p.cfg.Download.MinFreeBytes; min > 0 {
		free, err := fileutil.FreeSpace(p.cfg.Paths.OutputDir)
		if err != nil {
			return fmt.Errorf("check free space: %w", err)
		}
		if free < uint64(min) {
			return fmt.Errorf("only %d bytes free under %s, need %d", free, p.cfg.Paths.OutputDir, min)
		}
	}
	return nil
}

func (p *Pipeline) modeLabel(opts Options) string {
	parts := []string{string(opts.Mode)}
	if opts.Mode == "" {
		parts[0] = string(ModeRun)
	}
	if opts.Kind != KindAll {
		parts = append(parts, string(opts.Kind))
	}
	if opts.OverlaysOnly {
		parts = append(parts, "overlays-only")
	}
	if opts.Limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", opts.Limit))
	}
	return strings.Join(parts, "+")
}

// Dedupe runs the retroactive duplicate scan as its own operation, used by
// the standalone dedupe command.
func (p *Pipeline) Dedupe(ctx context.Context) (int, error) {
	if err := p.preflight(); err != nil {
		return 0, err
	}
	led, err := ledger.Open(p.cfg.Paths.OutputDir)
	if err != nil {
		return 0, err
	}
	defer led.Close()

	var engine *dedupe.Engine
	cache, err := dedupe.OpenCache(p.cfg.Paths.LogDir)
	if err != nil {
		p.logger.Warn("fingerprint cache unavailable, hashing without it", logging.Error(err))
		engine = dedupe.NewEngine(nil)
	} else {
		defer cache.Close()
		engine = dedupe.NewEngine(cache)
	}
	return dedupe.RetroScan(ctx, led, engine, p.logger)
}

// MergeLedger composites every eligible main+overlay pair recorded in the
// ledger, used by the standalone merge command.
func (p *Pipeline) MergeLedger(ctx context.Context) (int, error) {
	if err := p.preflight(); err != nil {
		return 0, err
	}
	led, err := ledger.Open(p.cfg.Paths.OutputDir)
	if err != nil {
		return 0, err
	}
	defer led.Close()

	namer := fileutil.Namer{Timestamp: p.cfg.Naming.TimestampFilenames}
	compositor := overlay.New(p.cfg.Paths.OutputDir, namer, led, p.transcoder, p.logger)
	return compositor.MergeBatch(ctx, false)
}

// MergeDirectory composites bare "-main"/"-overlay" pairs found in dir,
// without a ledger. Recovers output directories from older runs.
func (p *Pipeline) MergeDirectory(ctx context.Context, dir string) (int, error) {
	namer := fileutil.Namer{Timestamp: p.cfg.Naming.TimestampFilenames}
	compositor := overlay.New(dir, namer, nil, p.transcoder, p.logger)
	return compositor.MergeDirectory(ctx, dir)
}

// Join runs the temporal join phase as its own operation.
func (p *Pipeline) Join(ctx context.Context) (int, error) {
	if err := p.preflight(); err != nil {
		return 0, err
	}
	led, err := ledger.Open(p.cfg.Paths.OutputDir)
	if err != nil {
		return 0, err
	}
	defer led.Close()

	namer := fileutil.Namer{Timestamp: p.cfg.Naming.TimestampFilenames}
	j := joiner.New(p.cfg.Paths.OutputDir, namer, led, p.transcoder,
		time.Duration(p.cfg.Join.ThresholdSeconds)*time.Second, p.logger)
	return j.Run(ctx)
}

// Status reports the ledger's current per-status counts without mutating
// anything. It does not take the directory lock exclusively against a
// concurrent run; it fails instead, matching the single-owner rule.
func (p *Pipeline) Status() (map[ledger.Status]int, int, error) {
	led, err := ledger.Open(p.cfg.Paths.OutputDir)
	if err != nil {
		return nil, 0, err
	}
	defer led.Close()
	return led.Counts(), led.Len(), nil
}
