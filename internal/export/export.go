package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/entity"
)

// Format identifies a supported ledger export format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

// ParseFormat converts a user-supplied format name. Unknown names are
// rejected so bad requests fail before any file is written.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	case FormatJSON, "":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format: %s", name)
}

// DetectFormat picks a format from a file extension, defaulting to JSON.
func DetectFormat(filename string) Format {
	switch {
	case strings.HasSuffix(filename, ".csv"):
		return FormatCSV
	case strings.HasSuffix(filename, ".parquet"):
		return FormatParquet
	default:
		return FormatJSON
	}
}

// LedgerRow is one flattened audit-ledger record: which span in which
// document was replaced by what, and why.
type LedgerRow struct {
	JobID        string  `csv:"job_id" parquet:"job_id" json:"job_id"`
	DocumentID   string  `csv:"document_id" parquet:"document_id" json:"document_id"`
	EntityType   string  `csv:"entity_type" parquet:"entity_type" json:"entity_type"`
	OriginalText string  `csv:"original_text" parquet:"original_text" json:"original_text"`
	Start        int32   `csv:"start" parquet:"start" json:"start"`
	End          int32   `csv:"end" parquet:"end" json:"end"`
	Confidence   float64 `csv:"confidence" parquet:"confidence" json:"confidence"`
	Strategy     string  `csv:"strategy" parquet:"strategy" json:"strategy"`
	Surrogate    string  `csv:"surrogate" parquet:"surrogate" json:"surrogate"`
	Rationale    string  `csv:"rationale" parquet:"rationale" json:"rationale"`
}

// Exporter serializes a finished job's audit ledger.
type Exporter struct {
	logger *zap.Logger
}

// NewExporter creates a ledger exporter.
func NewExporter(logger *zap.Logger) *Exporter {
	return &Exporter{logger: logger}
}

// Write serializes the job ledger to w in the given format.
func (e *Exporter) Write(w io.Writer, format Format, summary *entity.JobSummary) error {
	rows := Flatten(summary)

	switch format {
	case FormatCSV:
		return e.writeCSV(w, rows)
	case FormatParquet:
		return e.writeParquet(w, rows)
	case FormatJSON:
		return e.writeJSON(w, rows)
	}
	return fmt.Errorf("unsupported export format: %s", format)
}

// WriteFile serializes the ledger to path, choosing the format from the
// file extension.
func (e *Exporter) WriteFile(path string, summary *entity.JobSummary) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	format := DetectFormat(path)
	e.logger.Info("Exporting audit ledger",
		zap.String("job_id", summary.JobID),
		zap.String("path", path),
		zap.String("format", string(format)),
	)
	return e.Write(file, format, summary)
}

// Flatten turns the per-document ledgers of a job into export rows.
// Failed documents contribute no rows.
func Flatten(summary *entity.JobSummary) []LedgerRow {
	var rows []LedgerRow
	for _, doc := range summary.Documents {
		for _, le := range doc.Entities {
			rows = append(rows, LedgerRow{
				JobID:        summary.JobID,
				DocumentID:   le.DocumentID,
				EntityType:   string(le.Entity.Type),
				OriginalText: le.Entity.Text,
				Start:        int32(le.Entity.Start),
				End:          int32(le.Entity.End),
				Confidence:   le.Entity.Confidence,
				Strategy:     string(le.Strategy),
				Surrogate:    le.Surrogate,
				Rationale:    le.Entity.Rationale,
			})
		}
	}
	return rows
}

func (e *Exporter) writeCSV(w io.Writer, rows []LedgerRow) error {
	writer := csv.NewWriter(w)

	header := []string{
		"job_id", "document_id", "entity_type", "original_text",
		"start", "end", "confidence", "strategy", "surrogate", "rationale",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.JobID,
			row.DocumentID,
			row.EntityType,
			row.OriginalText,
			strconv.Itoa(int(row.Start)),
			strconv.Itoa(int(row.End)),
			strconv.FormatFloat(row.Confidence, 'f', -1, 64),
			row.Strategy,
			row.Surrogate,
			row.Rationale,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeJSON emits one JSON object per line so large ledgers stream.
func (e *Exporter) writeJSON(w io.Writer, rows []LedgerRow) error {
	encoder := json.NewEncoder(w)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return fmt.Errorf("failed to write JSON record: %w", err)
		}
	}
	return nil
}

func (e *Exporter) writeParquet(w io.Writer, rows []LedgerRow) error {
	// Schema given explicitly so an empty ledger still produces a valid file.
	writer := parquet.NewWriter(w, parquet.SchemaOf(LedgerRow{}))

	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write Parquet record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize Parquet file: %w", err)
	}
	return nil
}
