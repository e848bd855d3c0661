package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSafeStem(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "photo", "photo"},
		{"colons become dots", "2024-05-01-16:30:00", "2024-05-01-16.30.00"},
		{"forbidden characters", `a<b>c|d?e*f`, "a_b_c_d_e_f"},
		{"trailing dot stripped", "name.", "name"},
		{"trailing space stripped", "name ", "name"},
		{"empty falls back", "", "file"},
		{"reserved device name", "CON.log", "_CON.log"},
		{"reserved com port", "com3", "_com3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SafeStem(tc.in); got != tc.want {
				t.Fatalf("SafeStem(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNamerSequential(t *testing.T) {
	n := Namer{}
	capture := time.Date(2024, 5, 1, 16, 30, 0, 0, time.UTC)
	if got := n.Name(2, capture, "", ".jpg"); got != "02.jpg" {
		t.Fatalf("Name = %q", got)
	}
	if got := n.Name(2, capture, "main", ".jpg"); got != "02-main.jpg" {
		t.Fatalf("Name = %q", got)
	}
	if got := n.Name(2, capture, "overlay", ".png"); got != "02-overlay.png" {
		t.Fatalf("Name = %q", got)
	}
}

func TestNamerTimestamp(t *testing.T) {
	n := Namer{Timestamp: true}
	capture := time.Date(2024, 5, 1, 16, 30, 0, 0, time.UTC)
	if got := n.Name(2, capture, "", ".mp4"); got != "2024.05.01-16.30.00.mp4" {
		t.Fatalf("Name = %q", got)
	}
	// Zero capture time falls back to the sequential stem.
	if got := n.Name(7, time.Time{}, "", ".jpg"); got != "07.jpg" {
		t.Fatalf("Name with zero time = %q", got)
	}
}

func TestHashFileMatchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	data := []byte("some media payload")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	fromFile, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if fromFile != HashBytes(data) {
		t.Fatalf("hash mismatch: file %s vs bytes %s", fromFile, HashBytes(data))
	}
}

func TestSetModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	capture := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := SetModTime(path, capture); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(capture) {
		t.Fatalf("mod time = %v, want %v", info.ModTime(), capture)
	}

	// Zero time leaves the file untouched.
	if err := SetModTime(path, time.Time{}); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info2.ModTime().Equal(capture) {
		t.Fatal("zero time should not change mod time")
	}
}

func TestCheckWritable(t *testing.T) {
	dir := t.TempDir()
	if err := CheckWritable(dir); err != nil {
		t.Fatalf("CheckWritable(tempdir) = %v", err)
	}
	if err := CheckWritable(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if free == 0 {
		t.Fatal("expected nonzero free space in temp dir")
	}
}
