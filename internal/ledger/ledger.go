// Package ledger persists per-record download progress. The ledger file is
// the sole authority for resume and retry decisions: every status transition
// is written to stable storage before the pipeline moves on, so a crash at
// any point leaves a complete picture of what finished.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"memento/internal/record"
)

// Status is the lifecycle state of one record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether a status ends the acquisition lifecycle.
// Post-processing stages still revisit StatusSuccess entries.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// FileRole tags what a written file is relative to its record.
type FileRole string

const (
	RoleSingle    FileRole = "single"
	RoleMain      FileRole = "main"
	RoleOverlay   FileRole = "overlay"
	RoleMerged    FileRole = "merged"
	RoleDuplicate FileRole = "duplicate"
)

// FileDescriptor describes one file written for a record. Descriptors are
// never mutated; a later stage replaces the whole list (compositing swaps
// {main, overlay} for one merged descriptor).
type FileDescriptor struct {
	Path string   `json:"path"`
	Size int64    `json:"size"`
	Role FileRole `json:"type"`
}

// Entry is the persisted progress state for one record.
type Entry struct {
	Status    Status           `json:"status"`
	Date      string           `json:"date"`
	MediaType string           `json:"media_type"`
	Latitude  string           `json:"latitude"`
	Longitude string           `json:"longitude"`
	URL       string           `json:"url"`
	Files     []FileDescriptor `json:"files"`
	Error     string           `json:"error,omitempty"`
}

// CaptureTime parses the entry's stored capture date. Zero when unparseable.
func (e Entry) CaptureTime() time.Time {
	return record.ParseDate(e.Date)
}

// HasRole reports whether any descriptor carries the given role.
func (e Entry) HasRole(role FileRole) bool {
	for _, f := range e.Files {
		if f.Role == role {
			return true
		}
	}
	return false
}

// FileByRole returns the first descriptor with the given role.
func (e Entry) FileByRole(role FileRole) (FileDescriptor, bool) {
	for _, f := range e.Files {
		if f.Role == role {
			return f, true
		}
	}
	return FileDescriptor{}, false
}

// FileName is the ledger file kept in the output directory.
const FileName = "ledger.json"

const (
	backupName = "ledger.json.bak"
	lockName   = ".memento.lock"
)

// ErrLocked is returned when another invocation already holds the output
// directory. Concurrent pipelines against one directory are unsupported.
var ErrLocked = errors.New("output directory is locked by another memento process")

// Ledger owns the persisted entry map for one output directory. All
// mutations are serialized internally; persistence is a whole-map atomic
// rewrite on every update, trading write amplification for a recovery story
// with only two possible on-disk states (old complete map or new complete
// map).
type Ledger struct {
	mu   sync.Mutex
	dir  string
	path string
	lock *flock.Flock

	entries map[int]Entry
	// rebuilt notes that load fell back after a corrupt file; surfaced so
	// the pipeline can warn.
	rebuilt bool
}

// Open acquires the output-directory lock and loads the persisted map. An
// absent ledger file yields an empty map (first run). A file that fails to
// parse (crash during a write) is backed up, then the last known-good backup
// is tried before falling back to empty.
func Open(dir string) (*Ledger, error) {
	lock := flock.New(filepath.Join(dir, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire output lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	l := &Ledger{
		dir:  dir,
		path: filepath.Join(dir, FileName),
		lock: lock,
	}
	if err := l.load(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return l, nil
}

// Close releases the output-directory lock.
func (l *Ledger) Close() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}

// Rebuilt reports whether the ledger was recovered from a corrupt file.
func (l *Ledger) Rebuilt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rebuilt
}

func (l *Ledger) load() error {
	entries, err := readEntryFile(l.path)
	if err == nil {
		l.entries = entries
		// Keep a known-good copy for recovery from a crash mid-rewrite.
		l.writeBackup()
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		l.entries = map[int]Entry{}
		return nil
	}
	var parseErr *json.SyntaxError
	if !errors.As(err, &parseErr) && !errors.Is(err, errBadShape) {
		return fmt.Errorf("read ledger: %w", err)
	}

	// Parse failure: preserve the corrupt file for inspection, then fall
	// back to the backup. Success entries recoverable from the backup are
	// never regressed.
	l.rebuilt = true
	backupCorrupt(l.path)
	if recovered, backupErr := readEntryFile(filepath.Join(l.dir, backupName)); backupErr == nil {
		l.entries = recovered
		return nil
	}
	l.entries = map[int]Entry{}
	return nil
}

var errBadShape = errors.New("ledger has unexpected shape")

func readEntryFile(path string) (map[int]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	entries := make(map[int]Entry, len(raw))
	for key, entry := range raw {
		seq, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%w: non-numeric key %q", errBadShape, key)
		}
		entries[seq] = entry
	}
	return entries, nil
}

func backupCorrupt(path string) {
	stamp := time.Now().UTC().Format("20060102-150405")
	_ = os.Rename(path, fmt.Sprintf("%s.corrupt-%s", path, stamp))
}

func (l *Ledger) writeBackup() {
	data, err := marshalEntries(l.entries)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(l.dir, backupName), data, 0o644)
}

// Seed adds one pending entry per record without touching entries that
// already exist, so re-running against a partially populated ledger never
// regresses completed work. Persists only when something was added.
func (l *Ledger) Seed(records []record.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := false
	for _, r := range records {
		if _, exists := l.entries[r.Seq]; exists {
			continue
		}
		l.entries[r.Seq] = Entry{
			Status:    StatusPending,
			Date:      r.DateRaw,
			MediaType: string(r.Hint),
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			URL:       r.URL,
		}
		added = true
	}
	if !added {
		return nil
	}
	return l.persistLocked()
}

// Update atomically replaces one entry's status, descriptor list, and error
// message, then persists the whole map before returning. A nil files slice
// keeps the existing descriptors.
func (l *Ledger) Update(seq int, status Status, files []FileDescriptor, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[seq]
	if !ok {
		return fmt.Errorf("ledger: no entry for record %d", seq)
	}
	entry.Status = status
	if files != nil {
		entry.Files = files
	}
	entry.Error = errMsg
	l.entries[seq] = entry
	return l.persistLocked()
}

// ReplaceFiles swaps a record's descriptor set without changing its status.
// Post-processing stages use this when compositing or joining supersedes the
// original files.
func (l *Ledger) ReplaceFiles(seq int, files []FileDescriptor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[seq]
	if !ok {
		return fmt.Errorf("ledger: no entry for record %d", seq)
	}
	entry.Files = files
	l.entries[seq] = entry
	return l.persistLocked()
}

// Get returns a copy of the entry for seq.
func (l *Ledger) Get(seq int) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[seq]
	return entry, ok
}

// Sequences returns all known sequence numbers in ascending order.
func (l *Ledger) Sequences() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seqs := make([]int, 0, len(l.entries))
	for seq := range l.entries {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)
	return seqs
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Counts tallies entries per status.
func (l *Ledger) Counts() map[Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[Status]int, 5)
	for _, entry := range l.entries {
		counts[entry.Status]++
	}
	return counts
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

func marshalEntries(entries map[int]Entry) ([]byte, error) {
	raw := make(map[string]Entry, len(entries))
	for seq, entry := range entries {
		raw[strconv.Itoa(seq)] = entry
	}
	return json.MarshalIndent(raw, "", "  ")
}

// persistLocked rewrites the whole map through a temp file and rename, so a
// crash mid-write leaves either the old or the new complete file.
func (l *Ledger) persistLocked() error {
	data, err := marshalEntries(l.entries)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
