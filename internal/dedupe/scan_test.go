package dedupe

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/record"
)

func TestRetroScanRemovesLaterDuplicates(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	capture := time.Date(2021, 8, 1, 9, 0, 0, 0, time.UTC)
	raw := capture.Format("2006-01-02 15:04:05") + " UTC"
	recs := []record.Record{
		{Seq: 1, Date: capture, DateRaw: raw, URL: "u"},
		{Seq: 2, Date: capture, DateRaw: raw, URL: "u"},
		{Seq: 3, Date: capture, DateRaw: raw, URL: "u"},
	}
	if err := led.Seed(recs); err != nil {
		t.Fatalf("seed: %v", err)
	}

	same := bytes.Repeat([]byte{0x42}, 512)
	different := bytes.Repeat([]byte{0x41}, 512)
	paths := []string{
		filepath.Join(dir, "01.jpg"),
		filepath.Join(dir, "02.jpg"),
		filepath.Join(dir, "03.jpg"),
	}
	for i, content := range [][]byte{same, same, different} {
		if err := os.WriteFile(paths[i], content, 0o644); err != nil {
			t.Fatalf("fixture: %v", err)
		}
		files := []ledger.FileDescriptor{{Path: paths[i], Size: int64(len(content)), Role: ledger.RoleSingle}}
		if err := led.Update(i+1, ledger.StatusSuccess, files, ""); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	removed, err := RetroScan(context.Background(), led, NewEngine(nil), logging.NewNop())
	if err != nil {
		t.Fatalf("RetroScan: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(paths[0]); err != nil {
		t.Fatalf("original must survive: %v", err)
	}
	if _, err := os.Stat(paths[1]); !os.IsNotExist(err) {
		t.Fatal("duplicate file should be removed")
	}
	if _, err := os.Stat(paths[2]); err != nil {
		t.Fatalf("distinct content must survive: %v", err)
	}

	entry, _ := led.Get(2)
	if entry.Status != ledger.StatusSkipped {
		t.Fatalf("status = %v, want skipped", entry.Status)
	}
	dup, ok := entry.FileByRole(ledger.RoleDuplicate)
	if !ok || dup.Path != paths[0] {
		t.Fatalf("descriptor = %+v", entry.Files)
	}

	first, _ := led.Get(1)
	if first.Status != ledger.StatusSuccess {
		t.Fatalf("original entry regressed: %v", first.Status)
	}
}

func TestRetroScanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()

	capture := time.Date(2021, 8, 1, 9, 0, 0, 0, time.UTC)
	raw := capture.Format("2006-01-02 15:04:05") + " UTC"
	if err := led.Seed([]record.Record{
		{Seq: 1, Date: capture, DateRaw: raw, URL: "u"},
		{Seq: 2, Date: capture, DateRaw: raw, URL: "u"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	content := bytes.Repeat([]byte{0x42}, 512)
	for i := 1; i <= 2; i++ {
		path := filepath.Join(dir, "0"+string(rune('0'+i))+".jpg")
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("fixture: %v", err)
		}
		led.Update(i, ledger.StatusSuccess, []ledger.FileDescriptor{{Path: path, Size: 512, Role: ledger.RoleSingle}}, "")
	}

	if _, err := RetroScan(context.Background(), led, NewEngine(nil), logging.NewNop()); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	removed, err := RetroScan(context.Background(), led, NewEngine(nil), logging.NewNop())
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if removed != 0 {
		t.Fatalf("second scan removed %d, want 0", removed)
	}
}
