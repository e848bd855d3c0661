// Package tagging embeds capture metadata (GPS coordinates, capture time)
// into image bytes. Tagging is an optional collaborator: when no tagger is
// available, or the format carries no tag block, bytes pass through
// unchanged — tagging never fails a record.
package tagging

import (
	"context"
	"time"
)

// Tags carries the metadata to embed.
type Tags struct {
	Latitude  string
	Longitude string
	Capture   time.Time
}

// Empty reports whether there is nothing to embed.
func (t Tags) Empty() bool {
	return t.Latitude == "" && t.Longitude == "" && t.Capture.IsZero()
}

// Tagger rewrites image bytes with embedded metadata. Implementations must
// return the input unchanged (nil error) when the format is untaggable.
type Tagger interface {
	Tag(ctx context.Context, data []byte, tags Tags) ([]byte, error)
}

// Noop passes bytes through untouched. Used when tagging is disabled or the
// external tagger is not installed.
type Noop struct{}

// Tag implements Tagger.
func (Noop) Tag(_ context.Context, data []byte, _ Tags) ([]byte, error) {
	return data, nil
}

var _ Tagger = Noop{}
