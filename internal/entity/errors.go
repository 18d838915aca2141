package entity

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned for status or result queries on unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// InvalidSpanError reports malformed detector output. The offending entity
// is dropped and processing continues.
type InvalidSpanError struct {
	Type   SensitiveType
	Start  int
	End    int
	DocLen int
	Reason string
}

func (e *InvalidSpanError) Error() string {
	return fmt.Sprintf("invalid span for %s [%d:%d] in document of length %d: %s",
		e.Type, e.Start, e.End, e.DocLen, e.Reason)
}

// UnsupportedStrategyError reports configuration that references an unknown
// masking strategy. Rejected at configuration load.
type UnsupportedStrategyError struct {
	Strategy string
}

func (e *UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("unsupported masking strategy %q", e.Strategy)
}

// UnparseableDateError reports a date-shift or generalization target whose
// text could not be parsed as a date. The entity falls back to redact.
type UnparseableDateError struct {
	Value string
}

func (e *UnparseableDateError) Error() string {
	return fmt.Sprintf("cannot parse %q as a date", e.Value)
}

// UnparseableAgeError reports an age span whose numeric value could not be
// extracted.
type UnparseableAgeError struct {
	Value string
}

func (e *UnparseableAgeError) Error() string {
	return fmt.Sprintf("cannot parse %q as an age", e.Value)
}
