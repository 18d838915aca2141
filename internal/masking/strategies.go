package masking

import (
	"fmt"
	"strings"

	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/hardrules"
)

// ageBucketCeiling is the age at or above which values collapse into a
// single "90 or older" bucket.
const ageBucketCeiling = 90

func redact(e entity.DetectedEntity, params entity.StrategyParams, _ JobKeys) (string, error) {
	if params.Replacement != "" {
		return params.Replacement, nil
	}
	return DefaultRedactionMarker, nil
}

func suppress(entity.DetectedEntity, entity.StrategyParams, JobKeys) (string, error) {
	return "", nil
}

// partialMask keeps a configurable number of leading and trailing runes
// and obscures the rest. Spans too short to safely reveal anything are
// masked entirely.
func partialMask(e entity.DetectedEntity, params entity.StrategyParams, _ JobKeys) (string, error) {
	prefix := params.KeepPrefix
	suffix := params.KeepSuffix
	if prefix == 0 && suffix == 0 {
		prefix, suffix = 2, 2
	}

	maskChar := params.MaskChar
	if maskChar == "" {
		maskChar = "*"
	}

	runes := []rune(e.Text)
	if len(runes) <= prefix+suffix {
		return strings.Repeat(maskChar, len(runes)), nil
	}

	var b strings.Builder
	b.WriteString(string(runes[:prefix]))
	b.WriteString(strings.Repeat(maskChar, len(runes)-prefix-suffix))
	b.WriteString(string(runes[len(runes)-suffix:]))
	return b.String(), nil
}

// generalize maps a value into a coarser bucket appropriate to its type.
// Only types with a meaningful generalization are supported; the registry
// degrades everything else to redact.
func generalize(e entity.DetectedEntity, params entity.StrategyParams, keys JobKeys) (string, error) {
	switch e.Type {
	case entity.TypeAgeOverThreshold:
		return generalizeAge(e.Text)
	case entity.TypeDate:
		return generalizeDate(e.Text)
	default:
		return "", fmt.Errorf("no generalization for type %s", e.Type)
	}
}

func generalizeAge(text string) (string, error) {
	age, err := hardrules.ParseAge(text)
	if err != nil {
		return "", err
	}
	if age >= ageBucketCeiling {
		return "90 or older", nil
	}
	return fmt.Sprintf("%d0s", age/10), nil
}

func generalizeDate(text string) (string, error) {
	parsed, _, err := parseDate(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", parsed.Year()), nil
}
