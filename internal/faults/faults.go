// Package faults defines the error taxonomy shared by the acquisition and
// post-processing stages. Each sentinel tags a failure class so the pipeline
// can decide whether a record is retryable without parsing message text.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransfer marks network or HTTP failures while fetching a record.
	ErrTransfer = errors.New("transfer error")
	// ErrInvalidContent marks payloads whose bytes match no known media
	// signature, typically an expired-URL error page.
	ErrInvalidContent = errors.New("invalid content")
	// ErrMalformedArchive marks composite containers that cannot be opened
	// or are missing their main entry.
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrMergeFailed marks post-processing merges that gave up; source files
	// are always left in place.
	ErrMergeFailed = errors.New("merge failed")
	// ErrIO marks local filesystem failures.
	ErrIO = errors.New("io error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrIO
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error class is worth re-attempting on a later
// run. Merge failures are excluded: the separate source files remain usable
// and re-running the merge stage picks them up without record-level retry.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransfer), errors.Is(err, ErrInvalidContent), errors.Is(err, ErrMalformedArchive):
		return true
	default:
		return false
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
