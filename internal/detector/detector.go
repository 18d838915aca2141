package detector

import (
	"context"
	"errors"

	"github.com/medtext/deid/internal/entity"
)

// Sentinel errors for collaborator failures. Both mark the affected
// document failed without aborting the job.
var (
	ErrTimeout     = errors.New("detector call timed out")
	ErrUnavailable = errors.New("detector unavailable")
)

// Detector finds candidate sensitive spans in raw document text. The
// production implementation calls an external LLM-backed service; it may
// be slow, may fail, and may legitimately return zero entities.
type Detector interface {
	Name() string
	Detect(ctx context.Context, text string) ([]entity.DetectedEntity, error)
	Close() error
}

// Stub is a deterministic in-memory detector for tests and local runs.
// Responses and per-text errors are keyed by document text; unknown text
// yields no entities.
type Stub struct {
	Responses map[string][]entity.DetectedEntity
	Errors    map[string]error
	Err       error
	Calls     int
}

// NewStub creates an empty stub detector.
func NewStub() *Stub {
	return &Stub{
		Responses: make(map[string][]entity.DetectedEntity),
		Errors:    make(map[string]error),
	}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Detect(_ context.Context, text string) ([]entity.DetectedEntity, error) {
	s.Calls++
	if s.Err != nil {
		return nil, s.Err
	}
	if err := s.Errors[text]; err != nil {
		return nil, err
	}
	// Copy so callers can't mutate the canned response.
	return append([]entity.DetectedEntity(nil), s.Responses[text]...), nil
}

func (s *Stub) Close() error { return nil }
