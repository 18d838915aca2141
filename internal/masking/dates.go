package masking

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/medtext/deid/internal/entity"
)

// dateLayouts are tried in order when parsing a date span. The layout
// that matches is reused when formatting the shifted date so the masked
// text keeps the document's original date style.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2006年01月02日",
	"2006年1月2日",
}

// maxShiftDays bounds the absolute value of a date-shift offset.
const maxShiftDays = 182

func parseDate(text string) (time.Time, string, error) {
	trimmed := strings.TrimSpace(text)
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, layout, nil
		}
	}
	return time.Time{}, "", &entity.UnparseableDateError{Value: text}
}

// dateShift applies a deterministic per-subject day offset to a parsed
// date. All dates for the same subject under the same salt shift by the
// same amount, so intervals between them survive while absolute dates do
// not. Unparseable values degrade to redact via the registry.
func dateShift(e entity.DetectedEntity, _ entity.StrategyParams, keys JobKeys) (string, error) {
	parsed, layout, err := parseDate(e.Text)
	if err != nil {
		return "", err
	}

	offset := shiftOffsetDays(keys)
	return parsed.AddDate(0, 0, offset).Format(layout), nil
}

// shiftOffsetDays derives a non-zero offset in [-maxShiftDays, maxShiftDays]
// from the job salt and subject key.
func shiftOffsetDays(keys JobKeys) int {
	sum := surrogateDigest(keys.Salt, "date_shift", keys.Subject)
	raw := binary.BigEndian.Uint32(sum[:4])
	offset := int(raw%(2*maxShiftDays+1)) - maxShiftDays
	if offset == 0 {
		offset = maxShiftDays / 2
	}
	return offset
}
