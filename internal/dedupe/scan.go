package dedupe

import (
	"context"
	"log/slog"
	"os"

	"memento/internal/ledger"
	"memento/internal/logging"
)

// RetroScan walks already-written files in ledger order and removes later
// copies of content seen earlier, marking their records skipped with a
// descriptor pointing at the surviving file. Only single-file entries are
// scanned; layer pairs are left for the compositor.
func RetroScan(ctx context.Context, led *ledger.Ledger, engine *Engine, logger *slog.Logger) (int, error) {
	log := logging.WithComponent(logger, "dedupe")
	removed := 0
	for _, seq := range led.Sequences() {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		entry, ok := led.Get(seq)
		if !ok || entry.Status != ledger.StatusSuccess || len(entry.Files) != 1 {
			continue
		}
		desc := entry.Files[0]
		if desc.Role != ledger.RoleSingle && desc.Role != ledger.RoleMerged {
			continue
		}
		capture := entry.CaptureTime()

		original, dup, err := engine.CheckFile(ctx, desc.Path, capture)
		if err != nil {
			// Missing or unreadable file: nothing to deduplicate.
			log.Warn("skipping unreadable file",
				logging.Record(seq),
				logging.String("path", desc.Path),
				logging.Error(err))
			continue
		}
		if !dup {
			if err := engine.AddFile(ctx, desc.Path, capture); err != nil {
				log.Warn("fingerprint failed",
					logging.Record(seq),
					logging.Error(err))
			}
			continue
		}

		if err := os.Remove(desc.Path); err != nil {
			log.Warn("remove duplicate failed",
				logging.Record(seq),
				logging.String("path", desc.Path),
				logging.Error(err))
			continue
		}
		files := []ledger.FileDescriptor{{Path: original, Size: desc.Size, Role: ledger.RoleDuplicate}}
		if err := led.Update(seq, ledger.StatusSkipped, files, ""); err != nil {
			return removed, err
		}
		removed++
		log.Info("duplicate removed",
			logging.Record(seq),
			logging.String("original", original))
	}
	return removed, nil
}
