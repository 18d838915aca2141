package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/entity"
)

func testSummary() *entity.JobSummary {
	return &entity.JobSummary{
		JobID: "job-42",
		Documents: []entity.DocumentResult{
			{
				DocumentID: "doc-1",
				Status:     entity.DocumentSucceeded,
				Entities: []entity.LedgerEntry{
					{
						DocumentID: "doc-1",
						Entity: entity.DetectedEntity{
							Type:       entity.TypePhone,
							Text:       "0912-345-678",
							Start:      33,
							End:        45,
							Confidence: 0.99,
						},
						Strategy:  entity.StrategyRedact,
						Surrogate: "[REDACTED]",
					},
					{
						DocumentID: "doc-1",
						Entity: entity.DetectedEntity{
							Type:       entity.TypeAgeOverThreshold,
							Text:       "95",
							Start:      11,
							End:        13,
							Confidence: 0.93,
							Rationale:  "age exceeds retention threshold",
						},
						Strategy:  entity.StrategyGeneralize,
						Surrogate: "90 or older",
					},
				},
			},
			{
				DocumentID: "doc-2",
				Status:     entity.DocumentFailed,
				Error:      "detector unavailable",
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"csv", FormatCSV, false},
		{"CSV", FormatCSV, false},
		{"parquet", FormatParquet, false},
		{"json", FormatJSON, false},
		{"", FormatJSON, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseFormat(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestFlattenSkipsFailedDocuments(t *testing.T) {
	rows := Flatten(testSummary())
	if len(rows) != 2 {
		t.Fatalf("flattened %d rows, want 2", len(rows))
	}
	for _, row := range rows {
		if row.JobID != "job-42" || row.DocumentID != "doc-1" {
			t.Errorf("unexpected row: %+v", row)
		}
	}
}

func TestCSVExport(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(zap.NewNop())
	if err := e.Write(&buf, FormatCSV, testSummary()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading CSV back: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d CSV lines, want header + 2 rows", len(records))
	}
	if records[0][0] != "job_id" {
		t.Errorf("header = %v", records[0])
	}
	if records[1][3] != "0912-345-678" || records[1][7] != "redact" {
		t.Errorf("first row = %v", records[1])
	}
	if records[2][9] != "age exceeds retention threshold" {
		t.Errorf("rationale column = %q", records[2][9])
	}
}

func TestJSONExport(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(zap.NewNop())
	if err := e.Write(&buf, FormatJSON, testSummary()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d JSON lines, want 2", len(lines))
	}

	var row LedgerRow
	if err := json.Unmarshal([]byte(lines[1]), &row); err != nil {
		t.Fatalf("decoding row: %v", err)
	}
	if row.EntityType != "age_over_threshold" || row.Surrogate != "90 or older" {
		t.Errorf("decoded row = %+v", row)
	}
}

func TestParquetExportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(zap.NewNop())
	if err := e.Write(&buf, FormatParquet, testSummary()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := parquet.NewReader(bytes.NewReader(buf.Bytes()))
	defer reader.Close()

	var rows []LedgerRow
	for {
		var row LedgerRow
		err := reader.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading Parquet back: %v", err)
		}
		rows = append(rows, row)
	}

	if len(rows) != 2 {
		t.Fatalf("read %d Parquet rows, want 2", len(rows))
	}
	if rows[0].EntityType != "phone" || rows[0].Start != 33 {
		t.Errorf("first row = %+v", rows[0])
	}
}

func TestParquetExportEmptyLedger(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(zap.NewNop())
	summary := &entity.JobSummary{JobID: "empty"}
	if err := e.Write(&buf, FormatParquet, summary); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("empty ledger produced no Parquet output")
	}
}

func TestDetectFormat(t *testing.T) {
	if got := DetectFormat("ledger.csv"); got != FormatCSV {
		t.Errorf("DetectFormat(.csv) = %q", got)
	}
	if got := DetectFormat("ledger.parquet"); got != FormatParquet {
		t.Errorf("DetectFormat(.parquet) = %q", got)
	}
	if got := DetectFormat("ledger.json"); got != FormatJSON {
		t.Errorf("DetectFormat(.json) = %q", got)
	}
}
