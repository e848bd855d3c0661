package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"memento/internal/fileutil"
	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/record"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writeJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write jpeg: %v", err)
	}
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
}

func TestCompositeFilesBlendsOverlayOverMain(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.jpg")
	overlayPath := filepath.Join(dir, "overlay.png")
	writeJPEG(t, mainPath, solidImage(16, 16, color.RGBA{R: 255, A: 255}))
	writePNG(t, overlayPath, solidImage(16, 16, color.RGBA{B: 255, A: 255}))

	merged, ext, err := compositeFiles(mainPath, overlayPath)
	if err != nil {
		t.Fatalf("compositeFiles: %v", err)
	}
	if ext != ".jpg" {
		t.Fatalf("ext = %q, want .jpg (main's format)", ext)
	}

	img, _, err := image.Decode(bytes.NewReader(merged))
	if err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 16 {
		t.Fatalf("merged bounds = %v", img.Bounds())
	}
	// Opaque overlay wins: the pixel should be blue, not red.
	r, _, b, _ := img.At(8, 8).RGBA()
	if b <= r {
		t.Fatalf("overlay not composited: r=%d b=%d", r, b)
	}
}

func TestCompositeFilesRescalesSmallerOverlay(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.jpg")
	overlayPath := filepath.Join(dir, "overlay.png")
	writeJPEG(t, mainPath, solidImage(32, 32, color.RGBA{R: 255, A: 255}))
	writePNG(t, overlayPath, solidImage(8, 8, color.RGBA{G: 255, A: 255}))

	merged, _, err := compositeFiles(mainPath, overlayPath)
	if err != nil {
		t.Fatalf("compositeFiles: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(merged))
	if err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	// Overlay was scaled up to cover the frame; the center is green.
	r, g, _, _ := img.At(16, 16).RGBA()
	if g <= r {
		t.Fatalf("rescaled overlay not composited: r=%d g=%d", r, g)
	}
}

func TestCompositeFilesDeterministic(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.jpg")
	overlayPath := filepath.Join(dir, "overlay.png")
	writeJPEG(t, mainPath, solidImage(16, 16, color.RGBA{R: 200, A: 255}))
	writePNG(t, overlayPath, solidImage(16, 16, color.RGBA{B: 200, A: 128}))

	first, _, err := compositeFiles(mainPath, overlayPath)
	if err != nil {
		t.Fatalf("first composite: %v", err)
	}
	second, _, err := compositeFiles(mainPath, overlayPath)
	if err != nil {
		t.Fatalf("second composite: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("compositing the same pair twice produced different bytes")
	}
}

// fakeTranscoder records calls and writes a plausible output file.
type fakeTranscoder struct {
	mergeCalls [][3]string
	fail       bool
}

func (f *fakeTranscoder) MergeOverlay(_ context.Context, mainPath, overlayPath, output string) error {
	f.mergeCalls = append(f.mergeCalls, [3]string{mainPath, overlayPath, output})
	if f.fail {
		return errors.New("transcoder exploded")
	}
	return os.WriteFile(output, bytes.Repeat([]byte{0xEE}, 2048), 0o644)
}

func (f *fakeTranscoder) Concat(_ context.Context, _ []string, output string) error {
	if f.fail {
		return errors.New("transcoder exploded")
	}
	return os.WriteFile(output, bytes.Repeat([]byte{0xDD}, 2048), 0o644)
}

func newLedgerWithPair(t *testing.T, dir string, seq int, mainName, overlayName string) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	if err := led.Seed([]record.Record{{Seq: seq, URL: "https://example.test/m"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	files := []ledger.FileDescriptor{
		{Path: filepath.Join(dir, mainName), Size: 1, Role: ledger.RoleMain},
		{Path: filepath.Join(dir, overlayName), Size: 1, Role: ledger.RoleOverlay},
	}
	if err := led.Update(seq, ledger.StatusSuccess, files, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	return led
}

func TestMergeEntryImagePair(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "07-main.jpg"), solidImage(16, 16, color.RGBA{R: 255, A: 255}))
	writePNG(t, filepath.Join(dir, "07-overlay.png"), solidImage(16, 16, color.RGBA{B: 255, A: 255}))
	led := newLedgerWithPair(t, dir, 7, "07-main.jpg", "07-overlay.png")

	c := New(dir, fileutil.Namer{}, led, nil, logging.NewNop())
	if err := c.MergeEntry(context.Background(), 7); err != nil {
		t.Fatalf("MergeEntry: %v", err)
	}

	entry, _ := led.Get(7)
	if len(entry.Files) != 1 || entry.Files[0].Role != ledger.RoleMerged {
		t.Fatalf("descriptors = %+v, want one merged", entry.Files)
	}
	if _, err := os.Stat(filepath.Join(dir, "07.jpg")); err != nil {
		t.Fatalf("merged file: %v", err)
	}
	for _, name := range []string{"07-main.jpg", "07-overlay.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("source %s should be deleted", name)
		}
	}

	// Re-running is a no-op: the entry is no longer a main+overlay pair.
	if err := c.MergeEntry(context.Background(), 7); err != nil {
		t.Fatalf("second MergeEntry: %v", err)
	}
	again, _ := led.Get(7)
	if len(again.Files) != 1 {
		t.Fatalf("idempotence broken: %+v", again.Files)
	}
}

func TestMergeEntryVideoPairDelegates(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"03-main.mp4", "03-overlay.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("xx"), 0o644); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	led := newLedgerWithPair(t, dir, 3, "03-main.mp4", "03-overlay.png")

	fake := &fakeTranscoder{}
	c := New(dir, fileutil.Namer{}, led, fake, logging.NewNop())
	if err := c.MergeEntry(context.Background(), 3); err != nil {
		t.Fatalf("MergeEntry: %v", err)
	}

	if len(fake.mergeCalls) != 1 {
		t.Fatalf("transcoder calls = %d, want 1", len(fake.mergeCalls))
	}
	call := fake.mergeCalls[0]
	if filepath.Base(call[0]) != "03-main.mp4" || filepath.Base(call[1]) != "03-overlay.png" {
		t.Fatalf("inputs = %v", call)
	}
	if filepath.Base(call[2]) != "03.mp4" {
		t.Fatalf("output = %s, want 03.mp4", call[2])
	}

	entry, _ := led.Get(3)
	if !entry.HasRole(ledger.RoleMerged) {
		t.Fatalf("descriptors = %+v", entry.Files)
	}
}

func TestMergeEntryFailureKeepsSources(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"04-main.mp4", "04-overlay.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("xx"), 0o644); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}
	led := newLedgerWithPair(t, dir, 4, "04-main.mp4", "04-overlay.png")

	c := New(dir, fileutil.Namer{}, led, &fakeTranscoder{fail: true}, logging.NewNop())
	if err := c.MergeEntry(context.Background(), 4); err != nil {
		t.Fatalf("MergeEntry: %v", err)
	}

	entry, _ := led.Get(4)
	if !entry.HasRole(ledger.RoleMain) || !entry.HasRole(ledger.RoleOverlay) {
		t.Fatalf("layer descriptors lost: %+v", entry.Files)
	}
	if entry.Error == "" {
		t.Fatal("merge failure not recorded")
	}
	for _, name := range []string{"04-main.mp4", "04-overlay.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("source %s must survive a failed merge: %v", name, err)
		}
	}
}

func TestMergeBatchVideoOnly(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "01-main.jpg"), solidImage(8, 8, color.RGBA{R: 255, A: 255}))
	writePNG(t, filepath.Join(dir, "01-overlay.png"), solidImage(8, 8, color.RGBA{B: 255, A: 255}))
	for _, name := range []string{"02-main.mp4", "02-overlay.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("xx"), 0o644); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}

	led, err := ledger.Open(dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer led.Close()
	if err := led.Seed([]record.Record{{Seq: 1, URL: "u1"}, {Seq: 2, URL: "u2"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pair := func(main, over string) []ledger.FileDescriptor {
		return []ledger.FileDescriptor{
			{Path: filepath.Join(dir, main), Size: 1, Role: ledger.RoleMain},
			{Path: filepath.Join(dir, over), Size: 1, Role: ledger.RoleOverlay},
		}
	}
	led.Update(1, ledger.StatusSuccess, pair("01-main.jpg", "01-overlay.png"), "")
	led.Update(2, ledger.StatusSuccess, pair("02-main.mp4", "02-overlay.png"), "")

	c := New(dir, fileutil.Namer{}, led, &fakeTranscoder{}, logging.NewNop())
	merged, err := c.MergeBatch(context.Background(), true)
	if err != nil {
		t.Fatalf("MergeBatch: %v", err)
	}
	if merged != 1 {
		t.Fatalf("merged = %d, want 1 (video only)", merged)
	}

	imageEntry, _ := led.Get(1)
	if !imageEntry.HasRole(ledger.RoleMain) {
		t.Fatalf("image pair should be untouched: %+v", imageEntry.Files)
	}
	videoEntry, _ := led.Get(2)
	if !videoEntry.HasRole(ledger.RoleMerged) {
		t.Fatalf("video pair not merged: %+v", videoEntry.Files)
	}
}

func TestMergeDirectory(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "2021.05.01-16.30.00-main.jpg"), solidImage(8, 8, color.RGBA{R: 255, A: 255}))
	writePNG(t, filepath.Join(dir, "2021.05.01-16.30.00-overlay.png"), solidImage(8, 8, color.RGBA{B: 255, A: 255}))
	// A main without an overlay partner stays untouched.
	writeJPEG(t, filepath.Join(dir, "99-main.jpg"), solidImage(8, 8, color.RGBA{G: 255, A: 255}))

	c := New(dir, fileutil.Namer{}, nil, nil, logging.NewNop())
	merged, err := c.MergeDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("MergeDirectory: %v", err)
	}
	if merged != 1 {
		t.Fatalf("merged = %d, want 1", merged)
	}
	if _, err := os.Stat(filepath.Join(dir, "2021.05.01-16.30.00.jpg")); err != nil {
		t.Fatalf("merged output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "99-main.jpg")); err != nil {
		t.Fatalf("unpaired main must survive: %v", err)
	}
}
