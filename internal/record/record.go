// Package record models one exported memory and parses the export ledger
// into an ordered record list.
package record

import (
	"strings"
	"time"
)

// MediaHint is the unverified media type declared by the export ledger. The
// classifier, not the hint, decides the final extension; the hint only drives
// kind-subset filters and the fallback extension.
type MediaHint string

const (
	HintImage   MediaHint = "Image"
	HintVideo   MediaHint = "Video"
	HintUnknown MediaHint = "Unknown"
)

// Record is one exported memory. Immutable once parsed; the pipeline owns
// the ordered slice and downstream components read from it only.
type Record struct {
	// Seq is the 1-based sequence number, stable across runs.
	Seq int
	// Date is the capture timestamp in UTC. Zero when the export carried an
	// unparseable date; DateRaw preserves the original text either way.
	Date    time.Time
	DateRaw string
	Hint    MediaHint
	// Latitude and Longitude are the export's coordinate strings, kept
	// verbatim ("Unknown" when absent) for the tagging collaborator.
	Latitude  string
	Longitude string
	URL       string
}

// FallbackExtension returns the extension implied by the ledger hint, used
// only when signature classification cannot improve on it.
func (r Record) FallbackExtension() string {
	if r.Hint == HintVideo {
		return ".mp4"
	}
	return ".jpg"
}

// HasLocation reports whether the record carries usable coordinates.
func (r Record) HasLocation() bool {
	return validCoordinate(r.Latitude) && validCoordinate(r.Longitude)
}

func validCoordinate(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, "unknown")
}

const exportDateLayout = "2006-01-02 15:04:05"

// ParseDate parses the export's "2024-05-01 16:30:00 UTC" date format.
// Returns the zero time when the text does not match.
func ParseDate(raw string) time.Time {
	cleaned := strings.TrimSpace(strings.Replace(raw, " UTC", "", 1))
	t, err := time.ParseInLocation(exportDateLayout, cleaned, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Source provides an ordered sequence of Records. The HTML export parser is
// the shipped implementation; tests substitute fixtures.
type Source interface {
	Records() ([]Record, error)
}
