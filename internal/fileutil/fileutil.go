// Package fileutil provides file naming, hashing, and filesystem checks for
// the download pipeline.
package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var windowsReservedNames = func() map[string]struct{} {
	names := []string{"CON", "PRN", "AUX", "NUL"}
	for i := 1; i <= 9; i++ {
		names = append(names, fmt.Sprintf("COM%d", i), fmt.Sprintf("LPT%d", i))
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}()

// SafeStem rewrites a filename stem so it stays valid on Windows/NTFS even
// when the pipeline runs on Linux (e.g. writing to an exFAT drive or WSL
// mount). Windows forbids <>:"/\|?*, control characters, reserved device
// names, and trailing spaces or dots. Colons become dots so timestamp stems
// stay readable (HH.MM.SS rather than HH_MM_SS).
func SafeStem(stem string) string {
	var b strings.Builder
	b.Grow(len(stem))
	for _, r := range stem {
		switch {
		case r == ':':
			b.WriteByte('.')
		case r < 32 || strings.ContainsRune(`<>"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	safe := strings.TrimRight(strings.TrimSpace(b.String()), " .")
	if safe == "" {
		safe = "file"
	}
	base, _, _ := strings.Cut(safe, ".")
	if _, reserved := windowsReservedNames[strings.ToUpper(base)]; reserved {
		safe = "_" + safe
	}
	return safe
}

// Namer produces output file names under one of the two supported
// conventions, selected once per run: sequential ("02-main.jpg") or
// timestamp-based ("2024.05.01-16.30.00-main.jpg").
type Namer struct {
	// Timestamp selects capture-time stems instead of sequence numbers.
	Timestamp bool
}

// Name builds the file name for a record's output file. role is empty for
// single or merged files, "main" or "overlay" for separated layers. ext must
// include the leading dot.
func (n Namer) Name(seq int, capture time.Time, role, ext string) string {
	stem := n.Stem(seq, capture)
	if role != "" {
		stem += "-" + role
	}
	return stem + ext
}

// Stem returns the base name (no role suffix, no extension) for a record.
func (n Namer) Stem(seq int, capture time.Time) string {
	if n.Timestamp && !capture.IsZero() {
		return SafeStem(capture.UTC().Format("2006.01.02-15.04.05"))
	}
	return fmt.Sprintf("%02d", seq)
}

// HashFile returns the hex SHA-256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SetModTime stamps both access and modification time. A zero time is a
// no-op so records with unparseable capture dates keep the write time.
func SetModTime(path string, t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return os.Chtimes(path, t, t)
}

// CheckWritable verifies the directory exists and is readable, writable, and
// traversable by the current user.
func CheckWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fmt.Errorf("directory %s not writable: %w", path, err)
	}
	return nil
}

// FreeSpace returns the number of bytes available to unprivileged users on
// the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
