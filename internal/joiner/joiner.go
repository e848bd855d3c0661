// Package joiner concatenates video records captured in one burst. Snaps
// recorded back-to-back arrive as separate records seconds apart; joining
// them by capture-time proximity reassembles the original clip without
// re-encoding.
package joiner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"memento/internal/faults"
	"memento/internal/ffmpeg"
	"memento/internal/fileutil"
	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/media"
)

// Joiner groups and concatenates successive video records.
type Joiner struct {
	outputDir  string
	namer      fileutil.Namer
	led        *ledger.Ledger
	transcoder ffmpeg.Client
	threshold  time.Duration
	logger     *slog.Logger
}

// New builds a Joiner. threshold is the maximum capture-time gap between
// consecutive members of a group.
func New(outputDir string, namer fileutil.Namer, led *ledger.Ledger, transcoder ffmpeg.Client, threshold time.Duration, logger *slog.Logger) *Joiner {
	return &Joiner{
		outputDir:  outputDir,
		namer:      namer,
		led:        led,
		transcoder: transcoder,
		threshold:  threshold,
		logger:     logging.WithComponent(logger, "join"),
	}
}

type candidate struct {
	seq     int
	capture time.Time
	path    string
}

// Run joins every eligible group and returns how many groups were
// concatenated. Per-group failures leave the originals untouched and are
// recorded on the group's earliest entry; only ledger writes and
// cancellation propagate.
func (j *Joiner) Run(ctx context.Context) (int, error) {
	if j.transcoder == nil {
		j.logger.Warn("transcoder unavailable, skipping join phase")
		return 0, nil
	}

	groups := j.groups()
	joined := 0
	for _, group := range groups {
		if ctx.Err() != nil {
			return joined, ctx.Err()
		}
		if err := j.joinGroup(ctx, group); err != nil {
			if ctx.Err() != nil {
				return joined, ctx.Err()
			}
			j.logger.Error("join failed, keeping originals",
				logging.Record(group[0].seq), logging.Error(err))
			entry, ok := j.led.Get(group[0].seq)
			if ok {
				if uerr := j.led.Update(group[0].seq, entry.Status, nil, err.Error()); uerr != nil {
					return joined, uerr
				}
			}
			continue
		}
		joined++
	}
	return joined, nil
}

// groups collects joinable candidates and chains them transitively: each
// member within threshold of its predecessor extends the group, even when
// the group's total span exceeds the threshold. Only groups of two or more
// are returned.
func (j *Joiner) groups() [][]candidate {
	var candidates []candidate
	seenPaths := make(map[string]bool)
	for _, seq := range j.led.Sequences() {
		entry, ok := j.led.Get(seq)
		if !ok || entry.Status != ledger.StatusSuccess || len(entry.Files) != 1 {
			continue
		}
		desc := entry.Files[0]
		if desc.Role != ledger.RoleSingle && desc.Role != ledger.RoleMerged {
			continue
		}
		if !media.VideoExtension(filepath.Ext(desc.Path)) {
			continue
		}
		capture := entry.CaptureTime()
		if capture.IsZero() {
			continue
		}
		// Entries sharing one file were already joined in a prior run.
		if seenPaths[desc.Path] {
			continue
		}
		seenPaths[desc.Path] = true
		candidates = append(candidates, candidate{seq: seq, capture: capture, path: desc.Path})
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].capture.Equal(candidates[b].capture) {
			return candidates[a].seq < candidates[b].seq
		}
		return candidates[a].capture.Before(candidates[b].capture)
	})

	var groups [][]candidate
	var current []candidate
	for _, c := range candidates {
		if len(current) > 0 && c.capture.Sub(current[len(current)-1].capture) <= j.threshold {
			current = append(current, c)
			continue
		}
		if len(current) >= 2 {
			groups = append(groups, current)
		}
		current = []candidate{c}
	}
	if len(current) >= 2 {
		groups = append(groups, current)
	}
	return groups
}

// joinGroup concatenates one group in capture order, deletes the originals
// once the output is verified, and points every member's descriptor at the
// joined file under the earliest member's name.
func (j *Joiner) joinGroup(ctx context.Context, group []candidate) error {
	earliest := group[0]
	ext := filepath.Ext(earliest.path)
	finalName := j.namer.Name(earliest.seq, earliest.capture, "", ext)
	finalPath := filepath.Join(j.outputDir, finalName)
	// Concat into a staging name: the final name may equal an input's.
	stagingPath := finalPath + ".joining" + ext

	inputs := make([]string, len(group))
	for i, c := range group {
		inputs[i] = c.path
	}
	if err := j.transcoder.Concat(ctx, inputs, stagingPath); err != nil {
		_ = os.Remove(stagingPath)
		return err
	}
	info, err := os.Stat(stagingPath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(stagingPath)
		return faults.Wrap(faults.ErrMergeFailed, "join", "verify output", stagingPath, err)
	}

	// Get the output onto its final name before touching any input. Only the
	// earliest member can collide with the final name; if the rename fails
	// after that single remove, every other original is still intact.
	for _, c := range group {
		if c.path == finalPath {
			if err := os.Remove(c.path); err != nil {
				_ = os.Remove(stagingPath)
				return faults.Wrap(faults.ErrIO, "join", "clear final name", finalPath, err)
			}
		}
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		_ = os.Remove(stagingPath)
		return faults.Wrap(faults.ErrIO, "join", "finalize output", finalPath, err)
	}
	if err := fileutil.SetModTime(finalPath, earliest.capture); err != nil {
		j.logger.Warn("set mtime failed", logging.Record(earliest.seq), logging.Error(err))
	}

	desc := []ledger.FileDescriptor{{Path: finalPath, Size: info.Size(), Role: ledger.RoleMerged}}
	for _, c := range group {
		if err := j.led.ReplaceFiles(c.seq, desc); err != nil {
			return err
		}
	}
	for _, c := range group {
		if c.path == finalPath {
			continue
		}
		if err := os.Remove(c.path); err != nil {
			j.logger.Warn("remove joined input", logging.String("path", c.path), logging.Error(err))
		}
	}

	j.logger.Info("group joined",
		logging.Record(earliest.seq),
		logging.Int("clips", len(group)),
		logging.String("output", finalPath))
	return nil
}
