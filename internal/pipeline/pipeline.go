package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/medtext/deid/internal/docs"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/hardrules"
	"github.com/medtext/deid/internal/masking"
)

// excerptLen bounds the original-text excerpt kept in a document result.
const excerptLen = 160

// SpanDetector is the external collaborator that proposes candidate
// sensitive spans.
type SpanDetector interface {
	Detect(ctx context.Context, text string) ([]entity.DetectedEntity, error)
}

// Pipeline turns raw detector output into a masked document and its
// audit ledger. It is stateless and shared across concurrent jobs.
type Pipeline struct {
	detector SpanDetector
	filter   *hardrules.Filter
	registry *masking.Registry
	logger   *zap.Logger
}

// New creates a pipeline over the given collaborators.
func New(det SpanDetector, filter *hardrules.Filter, registry *masking.Registry, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		detector: det,
		filter:   filter,
		registry: registry,
		logger:   logger,
	}
}

// ProcessDocument runs one document end-to-end: detect, hard-rule filter,
// drop disabled types, resolve overlaps, and mask. The returned error is
// a per-document failure (detector trouble); everything downstream of
// detection degrades per entity instead of failing the document.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc docs.Document, cfg entity.MaskingConfig, keys masking.JobKeys) (entity.DocumentResult, error) {
	result := entity.DocumentResult{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Status:     entity.DocumentSucceeded,
		Entities:   []entity.LedgerEntry{},
		Excerpt:    excerpt(doc.Text),
		Chars:      len(doc.Text),
	}

	if !cfg.Enabled {
		result.MaskedText = doc.Text
		return result, nil
	}

	raw, err := p.detector.Detect(ctx, doc.Text)
	if err != nil {
		return entity.DocumentResult{}, fmt.Errorf("detection failed for document %s: %w", doc.ID, err)
	}

	candidates := p.validateSpans(raw, len(doc.Text))
	candidates = append(candidates, p.matchCustomPatterns(doc.Text, cfg)...)
	candidates = p.filter.WithAgeThreshold(cfg.AgeThreshold).Apply(candidates)
	candidates = dropDisabled(candidates, cfg)
	candidates = resolveOverlaps(candidates)

	result.MaskedText, result.Entities = p.mask(doc, candidates, cfg, keys)
	return result, nil
}

// validateSpans drops malformed detector output. A bad span is logged
// and skipped; it never aborts the document.
func (p *Pipeline) validateSpans(raw []entity.DetectedEntity, docLen int) []entity.DetectedEntity {
	valid := make([]entity.DetectedEntity, 0, len(raw))
	for _, e := range raw {
		if err := e.Validate(docLen); err != nil {
			p.logger.Warn("Dropping invalid detector span", zap.Error(err))
			continue
		}
		valid = append(valid, e)
	}
	return valid
}

// matchCustomPatterns runs the configured regex patterns over the raw
// text. A pattern that does not compile is skipped, not fatal.
func (p *Pipeline) matchCustomPatterns(text string, cfg entity.MaskingConfig) []entity.DetectedEntity {
	var found []entity.DetectedEntity
	for _, pattern := range cfg.CustomPatterns {
		re, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			p.logger.Warn("Skipping uncompilable custom pattern",
				zap.String("pattern", pattern.Name),
				zap.Error(err),
			)
			continue
		}
		for _, loc := range re.FindAllStringIndex(text, -1) {
			found = append(found, entity.DetectedEntity{
				Type:       pattern.Type,
				Text:       text[loc[0]:loc[1]],
				Start:      loc[0],
				End:        loc[1],
				Confidence: 1.0,
				Rationale:  "custom pattern " + pattern.Name,
			})
		}
	}
	return found
}

func dropDisabled(entities []entity.DetectedEntity, cfg entity.MaskingConfig) []entity.DetectedEntity {
	kept := entities[:0:0]
	for _, e := range entities {
		if cfg.TypeEnabled(e.Type) {
			kept = append(kept, e)
		}
	}
	return kept
}

// resolveOverlaps orders entities by start offset and resolves collisions
// so masked output is well-defined and reproducible. Between overlapping
// spans the higher confidence wins; exact ties go to the longer span,
// then to the earlier-discovered entity.
func resolveOverlaps(entities []entity.DetectedEntity) []entity.DetectedEntity {
	ranked := make([]indexed, len(entities))
	for i, e := range entities {
		ranked[i] = indexed{DetectedEntity: e, order: i}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Length() != b.Length() {
			return a.Length() > b.Length()
		}
		return a.order < b.order
	})

	kept := make([]entity.DetectedEntity, 0, len(ranked))
	for _, candidate := range ranked {
		collides := false
		for _, winner := range kept {
			if winner.Overlaps(candidate.DetectedEntity) {
				collides = true
				break
			}
		}
		if !collides {
			kept = append(kept, candidate.DetectedEntity)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// indexed remembers discovery order so overlap ties are deterministic.
type indexed struct {
	entity.DetectedEntity
	order int
}

// mask rebuilds the document from the original text and the recorded
// offsets. Later offsets never shift because the output is assembled
// from the pristine original, not mutated in place.
func (p *Pipeline) mask(doc docs.Document, entities []entity.DetectedEntity, cfg entity.MaskingConfig, keys masking.JobKeys) (string, []entity.LedgerEntry) {
	var out []byte
	ledger := make([]entity.LedgerEntry, 0, len(entities))
	last := 0

	for _, e := range entities {
		out = append(out, doc.Text[last:e.Start]...)
		surrogate, applied := p.registry.ApplyResolved(cfg, e, keys)
		out = append(out, surrogate...)
		last = e.End

		ledger = append(ledger, entity.LedgerEntry{
			DocumentID: doc.ID,
			Entity:     e,
			Strategy:   applied,
			Surrogate:  surrogate,
		})
	}
	out = append(out, doc.Text[last:]...)

	return string(out), ledger
}

// excerpt truncates on a rune boundary so the result stays valid UTF-8.
func excerpt(text string) string {
	if len(text) <= excerptLen {
		return text
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
