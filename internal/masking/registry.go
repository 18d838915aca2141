package masking

import (
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/entity"
)

// DefaultRedactionMarker replaces spans masked by the redact strategy when
// no replacement literal is configured.
const DefaultRedactionMarker = "[REDACTED]"

// JobKeys carries the per-job secrets that keep pseudonymization and date
// shifting deterministic within a job and unlinkable across jobs.
type JobKeys struct {
	// Salt seeds surrogate derivation. Fixed for the lifetime of a job.
	Salt string
	// Subject scopes date-shift offsets. Dates belonging to the same
	// subject shift by the same amount, preserving intervals.
	Subject string
}

// Func transforms one entity's matched text into its replacement.
type Func func(e entity.DetectedEntity, params entity.StrategyParams, keys JobKeys) (string, error)

// Registry dispatches masking strategies by StrategyType. It is stateless
// and safe for concurrent use across jobs.
type Registry struct {
	funcs  map[entity.StrategyType]Func
	logger *zap.Logger
}

// NewRegistry creates a registry with every built-in strategy registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		funcs:  make(map[entity.StrategyType]Func),
		logger: logger,
	}

	r.funcs[entity.StrategyRedact] = redact
	r.funcs[entity.StrategySuppress] = suppress
	r.funcs[entity.StrategyPartialMask] = partialMask
	r.funcs[entity.StrategyPseudonymize] = pseudonymize
	r.funcs[entity.StrategyGeneralize] = generalize
	r.funcs[entity.StrategyDateShift] = dateShift

	return r
}

// Apply produces the replacement text for an entity under the given
// strategy. Value-level failures (unparseable dates or ages) degrade to
// redact instead of aborting the document; the strategy actually applied
// is returned alongside the replacement.
func (r *Registry) Apply(strategy entity.StrategyType, e entity.DetectedEntity, params entity.StrategyParams, keys JobKeys) (string, entity.StrategyType) {
	fn, ok := r.funcs[strategy]
	if !ok {
		r.logger.Warn("Unknown masking strategy, falling back to redact",
			zap.String("strategy", string(strategy)),
			zap.String("type", string(e.Type)),
		)
		masked, _ := redact(e, params, keys)
		return masked, entity.StrategyRedact
	}

	masked, err := fn(e, params, keys)
	if err != nil {
		r.logger.Debug("Strategy fell back to redact",
			zap.String("strategy", string(strategy)),
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
		masked, _ = redact(e, params, keys)
		return masked, entity.StrategyRedact
	}

	return masked, strategy
}

// ApplyResolved resolves the strategy for the entity's type from the job
// configuration and applies it.
func (r *Registry) ApplyResolved(cfg entity.MaskingConfig, e entity.DetectedEntity, keys JobKeys) (string, entity.StrategyType) {
	strategy, params := cfg.StrategyFor(e.Type)
	return r.Apply(strategy, e, params, keys)
}
