package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"memento/internal/ledger"
	"memento/internal/logging"
	"memento/internal/record"
	"memento/internal/testsupport"
)

type sliceSource []record.Record

func (s sliceSource) Records() ([]record.Record, error) {
	return s, nil
}

func jpegBytes(n int) []byte {
	return append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x11}, n)...)
}

func pngBytes(n int) []byte {
	sig := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	return append(sig, bytes.Repeat([]byte{0x22}, n)...)
}

func mp4Bytes(n int) []byte {
	header := []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm'}
	return append(header, bytes.Repeat([]byte{0x33}, n)...)
}

func zipFixture(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, contents := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := f.Write(contents); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// payloadServer serves a fixed payload per URL path and counts requests.
func payloadServer(t *testing.T, payloads map[string][]byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		payload, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func dateRaw(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

func TestRunFirstRunScenario(t *testing.T) {
	archive := zipFixture(t, map[string][]byte{
		"media.jpg":         jpegBytes(2000),
		"media-overlay.png": pngBytes(1000),
	})
	srv, _ := payloadServer(t, map[string][]byte{
		"/1": jpegBytes(3000),
		"/2": archive,
		"/3": mp4Bytes(4000),
	})

	base := time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC)
	recs := sliceSource{
		{Seq: 1, Date: base, DateRaw: dateRaw(base), Hint: record.HintImage, URL: srv.URL + "/1"},
		{Seq: 2, Date: base.Add(time.Hour), DateRaw: dateRaw(base.Add(time.Hour)), Hint: record.HintImage, URL: srv.URL + "/2"},
		{Seq: 3, Date: base.Add(2 * time.Hour), DateRaw: dateRaw(base.Add(2 * time.Hour)), Hint: record.HintVideo, URL: srv.URL + "/3"},
	}

	cfg := testsupport.NewConfig(t)
	cfg.Overlays.Merge = false // keep layers separate to inspect them

	p := New(cfg, recs, logging.NewNop())
	rep, err := p.Run(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Success != 3 || rep.Failed != 0 {
		t.Fatalf("report: %+v", rep)
	}

	for _, name := range []string{"01.jpg", "02-main.jpg", "02-overlay.png", "03.mp4"} {
		if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, ledger.FileName)); err != nil {
		t.Fatalf("ledger file: %v", err)
	}
}

func TestRunResumeDoesNotRefetch(t *testing.T) {
	srv, hits := payloadServer(t, map[string][]byte{"/1": jpegBytes(2000)})
	recs := sliceSource{{Seq: 1, Hint: record.HintImage, URL: srv.URL + "/1"}}

	cfg := testsupport.NewConfig(t)
	p := New(cfg, recs, logging.NewNop())
	if _, err := p.Run(context.Background(), Options{Mode: ModeRun}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := hits.Load()

	rep, err := p.Run(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if hits.Load() != first {
		t.Fatalf("resume refetched: %d -> %d requests", first, hits.Load())
	}
	if rep.Success != 1 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestRetryFailedOnlyTouchesFailed(t *testing.T) {
	var serveTwo atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1":
			w.Write(jpegBytes(2000))
		case "/2":
			if serveTwo.Load() {
				w.Write(jpegBytes(2500))
				return
			}
			http.Error(w, "expired", http.StatusGone)
		}
	}))
	defer srv.Close()

	recs := sliceSource{
		{Seq: 1, Hint: record.HintImage, URL: srv.URL + "/1"},
		{Seq: 2, Hint: record.HintImage, URL: srv.URL + "/2"},
	}

	cfg := testsupport.NewConfig(t)
	p := New(cfg, recs, logging.NewNop())
	if _, err := p.Run(context.Background(), Options{Mode: ModeRun}); err != nil {
		t.Fatalf("first run: %v", err)
	}

	firstInfo, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "01.jpg"))
	if err != nil {
		t.Fatalf("first file: %v", err)
	}

	serveTwo.Store(true)
	rep, err := p.Run(context.Background(), Options{Mode: ModeRetryFailed})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if rep.Success != 2 || rep.Failed != 0 {
		t.Fatalf("report after retry: %+v", rep)
	}

	afterInfo, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "01.jpg"))
	if err != nil {
		t.Fatalf("first file after retry: %v", err)
	}
	if !afterInfo.ModTime().Equal(firstInfo.ModTime()) || afterInfo.Size() != firstInfo.Size() {
		t.Fatal("retry-failed touched a successful record's file")
	}
}

func TestRunKindFilterVideosOnly(t *testing.T) {
	srv, _ := payloadServer(t, map[string][]byte{
		"/img": jpegBytes(2000),
		"/vid": mp4Bytes(3000),
	})
	recs := sliceSource{
		{Seq: 1, Hint: record.HintImage, URL: srv.URL + "/img"},
		{Seq: 2, Hint: record.HintVideo, URL: srv.URL + "/vid"},
	}

	cfg := testsupport.NewConfig(t)
	p := New(cfg, recs, logging.NewNop())
	rep, err := p.Run(context.Background(), Options{Mode: ModeRun, Kind: KindVideos})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Success != 1 || rep.Pending != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "02.mp4")); err != nil {
		t.Fatalf("video output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "01.jpg")); !os.IsNotExist(err) {
		t.Fatal("image was fetched despite videos-only filter")
	}
}

func TestRunLimit(t *testing.T) {
	srv, _ := payloadServer(t, map[string][]byte{
		"/1": jpegBytes(2000),
		"/2": jpegBytes(2100),
		"/3": jpegBytes(2200),
	})
	recs := sliceSource{
		{Seq: 1, Hint: record.HintImage, URL: srv.URL + "/1"},
		{Seq: 2, Hint: record.HintImage, URL: srv.URL + "/2"},
		{Seq: 3, Hint: record.HintImage, URL: srv.URL + "/3"},
	}

	cfg := testsupport.NewConfig(t)
	p := New(cfg, recs, logging.NewNop())
	rep, err := p.Run(context.Background(), Options{Mode: ModeRun, Limit: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Success != 2 || rep.Pending != 1 {
		t.Fatalf("report: %+v", rep)
	}
}

func TestRunDedupeSuppressesSecondCopy(t *testing.T) {
	payload := jpegBytes(2000)
	srv, _ := payloadServer(t, map[string][]byte{"/a": payload, "/b": payload})
	capture := time.Date(2021, 5, 1, 10, 0, 0, 0, time.UTC)
	recs := sliceSource{
		{Seq: 1, Date: capture, DateRaw: dateRaw(capture), Hint: record.HintImage, URL: srv.URL + "/a"},
		{Seq: 2, Date: capture, DateRaw: dateRaw(capture), Hint: record.HintImage, URL: srv.URL + "/b"},
	}

	cfg := testsupport.NewConfig(t, testsupport.WithDedupe(true))
	p := New(cfg, recs, logging.NewNop())
	rep, err := p.Run(context.Background(), Options{Mode: ModeRun})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Success != 1 || rep.Skipped != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if rep.DuplicatesRemoved != 1 {
		t.Fatalf("duplicates removed = %d, want 1", rep.DuplicatesRemoved)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.OutputDir, "02.jpg")); !os.IsNotExist(err) {
		t.Fatal("duplicate bytes were written")
	}
}
