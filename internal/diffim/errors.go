package diffim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration matches every *ConfigurationError.
	ErrConfiguration = errors.New("configuration error")
	// ErrNoCandidates matches every *NoCandidatesError.
	ErrNoCandidates = errors.New("no usable kernel candidates")
)

// ConfigurationError reports a missing or inconsistent setting. It is terminal.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NoCandidatesError is returned when detection, growth and validation leave
// nothing to fit. It is terminal.
type NoCandidatesError struct {
	Stage      string
	Detected   int
	Rejections RejectionCounts
}

func (e *NoCandidatesError) Error() string {
	stage := e.Stage
	if stage == "" {
		stage = "detection"
	}
	return fmt.Sprintf("no usable kernel candidates after %s (detected=%d rejected=[%s])",
		stage, e.Detected, e.Rejections)
}

func (e *NoCandidatesError) Is(target error) bool { return target == ErrNoCandidates }

// RejectReason says why a detected region was dropped.
type RejectReason int

const (
	RejectOffImage RejectReason = iota
	RejectExtraction
	RejectMaskedTemplate
	RejectMaskedScience
)

func (r RejectReason) String() string {
	switch r {
	case RejectOffImage:
		return "grown_off_image"
	case RejectExtraction:
		return "subimage_extraction"
	case RejectMaskedTemplate:
		return "masked_template"
	case RejectMaskedScience:
		return "masked_science"
	default:
		return "unknown"
	}
}

// RejectionCounts tallies rejected regions by reason.
type RejectionCounts map[RejectReason]int

// Total is the number of rejected regions.
func (c RejectionCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

func (c RejectionCounts) String() string {
	parts := make([]string, 0, len(c))
	for reason, n := range c {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
