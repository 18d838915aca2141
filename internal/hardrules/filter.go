package hardrules

import (
	"net"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/medtext/deid/internal/entity"
)

// DefaultAgeThreshold is the minimum age at which an age span is treated
// as identifying. Below it, age detections are assumed to be detector
// misfires on arbitrary numbers.
const DefaultAgeThreshold = 89

// Rule is a deterministic keep/drop check for one sensitive type. Rules
// correct systematic detector errors and run after model-based detection.
type Rule struct {
	Name string
	Type entity.SensitiveType
	Keep func(e entity.DetectedEntity) bool
}

// Filter applies an ordered list of hard rules to detector output. It is
// stateless and safe for concurrent use.
type Filter struct {
	rules     []Rule
	threshold int
	logger    *zap.Logger
}

// Config contains hard-rule filter configuration.
type Config struct {
	AgeThreshold int `yaml:"age_threshold" mapstructure:"age_threshold"`
}

// New creates a filter with the default rule set.
func New(cfg Config, logger *zap.Logger) *Filter {
	threshold := cfg.AgeThreshold
	if threshold <= 0 {
		threshold = DefaultAgeThreshold
	}

	return &Filter{
		rules:     defaultRules(threshold),
		threshold: threshold,
		logger:    logger,
	}
}

// WithAgeThreshold returns a filter whose age rule uses the given
// threshold, honoring per-job overrides. Zero or negative keeps the
// filter's own threshold.
func (f *Filter) WithAgeThreshold(threshold int) *Filter {
	if threshold <= 0 || threshold == f.threshold {
		return f
	}
	return New(Config{AgeThreshold: threshold}, f.logger)
}

// defaultRules builds the ordered rule list. Parse failures drop the
// entity: a value that cannot be confirmed as identifying is treated as a
// false positive. This trades recall for precision, for this filter only.
func defaultRules(ageThreshold int) []Rule {
	return []Rule{
		{
			Name: "age_threshold",
			Type: entity.TypeAgeOverThreshold,
			Keep: func(e entity.DetectedEntity) bool {
				age, err := ParseAge(e.Text)
				if err != nil {
					return false
				}
				return age >= ageThreshold
			},
		},
		{
			Name: "phone_min_digits",
			Type: entity.TypePhone,
			Keep: func(e entity.DetectedEntity) bool {
				return digitCount(e.Text) >= 7
			},
		},
		{
			Name: "ip_parseable",
			Type: entity.TypeIP,
			Keep: func(e entity.DetectedEntity) bool {
				return net.ParseIP(strings.TrimSpace(e.Text)) != nil
			},
		},
	}
}

// Apply runs every matching rule over the input and returns the surviving
// entities in their original order. The input slice is never mutated;
// types without a rule pass through unchanged.
func (f *Filter) Apply(entities []entity.DetectedEntity) []entity.DetectedEntity {
	kept := make([]entity.DetectedEntity, 0, len(entities))

	for _, e := range entities {
		if f.keep(e) {
			kept = append(kept, e)
		} else {
			f.logger.Debug("Hard rule dropped entity",
				zap.String("type", string(e.Type)),
				zap.Int("start", e.Start),
				zap.Int("end", e.End),
				zap.Float64("confidence", e.Confidence),
			)
		}
	}

	return kept
}

func (f *Filter) keep(e entity.DetectedEntity) bool {
	for _, rule := range f.rules {
		if rule.Type != e.Type {
			continue
		}
		if !rule.Keep(e) {
			return false
		}
	}
	return true
}

// ParseAge extracts the first integer from an age span such as "95",
// "95 years" or "aged 95".
func ParseAge(text string) (int, error) {
	start := -1
	for i, r := range text {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			age, err := strconv.Atoi(text[start:i])
			if err != nil {
				return 0, &entity.UnparseableAgeError{Value: text}
			}
			return age, nil
		}
	}
	if start < 0 {
		return 0, &entity.UnparseableAgeError{Value: text}
	}
	age, err := strconv.Atoi(text[start:])
	if err != nil {
		return 0, &entity.UnparseableAgeError{Value: text}
	}
	return age, nil
}

func digitCount(text string) int {
	count := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			count++
		}
	}
	return count
}
