// Package dedupe detects records whose downloaded content already exists on
// disk. Candidates are prefiltered by byte size and capture time, then
// confirmed by SHA-256 so distinct media sharing a size and timestamp are
// never conflated.
package dedupe

import (
	"context"
	"os"
	"time"

	"memento/internal/fileutil"
)

type key struct {
	size int64
	when int64
}

type known struct {
	path string
	hash string
}

// Engine tracks content already written during a run and answers whether new
// bytes duplicate it. Hashing only happens when a size+time candidate
// exists, so the common non-duplicate path stays cheap.
type Engine struct {
	cache *Cache
	seen  map[key][]known
}

// NewEngine returns an engine backed by an optional fingerprint cache. A nil
// cache disables persistent hash reuse but not duplicate detection.
func NewEngine(cache *Cache) *Engine {
	return &Engine{cache: cache, seen: make(map[key][]known)}
}

func makeKey(size int64, capture time.Time) key {
	when := int64(0)
	if !capture.IsZero() {
		when = capture.Unix()
	}
	return key{size: size, when: when}
}

// Check reports whether data duplicates content the engine has already seen,
// returning the path of the original copy. Bytes are hashed only when at
// least one candidate shares the size and capture time.
func (e *Engine) Check(data []byte, capture time.Time) (string, bool) {
	candidates := e.seen[makeKey(int64(len(data)), capture)]
	if len(candidates) == 0 {
		return "", false
	}
	hash := fileutil.HashBytes(data)
	for _, c := range candidates {
		if c.hash == hash {
			return c.path, true
		}
	}
	return "", false
}

// Add registers freshly written bytes so later records can match them.
func (e *Engine) Add(path string, data []byte, capture time.Time) {
	k := makeKey(int64(len(data)), capture)
	e.seen[k] = append(e.seen[k], known{path: path, hash: fileutil.HashBytes(data)})
}

// AddFile registers an existing file, hashing through the cache when one is
// attached. Used to seed the engine from prior-run outputs on resume.
func (e *Engine) AddFile(ctx context.Context, path string, capture time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hash, err := e.hashCached(ctx, path, info)
	if err != nil {
		return err
	}
	k := makeKey(info.Size(), capture)
	e.seen[k] = append(e.seen[k], known{path: path, hash: hash})
	return nil
}

// CheckFile reports whether the file at path duplicates previously
// registered content, without registering it.
func (e *Engine) CheckFile(ctx context.Context, path string, capture time.Time) (string, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	candidates := e.seen[makeKey(info.Size(), capture)]
	if len(candidates) == 0 {
		return "", false, nil
	}
	hash, err := e.hashCached(ctx, path, info)
	if err != nil {
		return "", false, err
	}
	for _, c := range candidates {
		if c.hash == hash && c.path != path {
			return c.path, true, nil
		}
	}
	return "", false, nil
}

func (e *Engine) hashCached(ctx context.Context, path string, info os.FileInfo) (string, error) {
	if e.cache == nil {
		return fileutil.HashFile(path)
	}
	mtime := info.ModTime().UnixNano()
	if hash, ok, err := e.cache.Lookup(ctx, path, info.Size(), mtime); err == nil && ok {
		return hash, nil
	}
	hash, err := fileutil.HashFile(path)
	if err != nil {
		return "", err
	}
	// Cache write failures are non-fatal; the hash is already computed.
	_ = e.cache.Store(ctx, path, info.Size(), mtime, hash)
	return hash, nil
}
