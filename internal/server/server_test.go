package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/detector"
	"github.com/medtext/deid/internal/docs"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/hardrules"
	"github.com/medtext/deid/internal/jobstore"
	"github.com/medtext/deid/internal/logger"
	"github.com/medtext/deid/internal/masking"
	"github.com/medtext/deid/internal/pipeline"
)

const sampleText = "Patient is 95 years old, contact 0912-345-678."

func newTestServer(t *testing.T, stub *detector.Stub) *Server {
	t.Helper()

	log := &logger.Logger{Logger: zap.NewNop()}
	zl := zap.NewNop()

	source, err := docs.NewDirSource(t.TempDir(), zl)
	if err != nil {
		t.Fatalf("NewDirSource: %v", err)
	}

	p := pipeline.New(stub, hardrules.New(hardrules.Config{}, zl), masking.NewRegistry(zl), zl)
	jobs := pipeline.NewService(p, source, jobstore.NewMemoryStore(), zl, nil)

	srv, err := New(config.GetDefaults(), log, jobs, source, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func uploadDocument(t *testing.T, srv *Server, filename, content string) string {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding upload response: %v", err)
	}
	return resp.DocumentID
}

func submitJob(t *testing.T, srv *Server, body string) submitJobResponse {
	t.Helper()

	req := httptest.NewRequest("POST", "/api/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp submitJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	return resp
}

func awaitJob(t *testing.T, srv *Server, jobID string) entity.JobState {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest("GET", "/api/jobs/"+jobID, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("get job status = %d, body %s", rec.Code, rec.Body.String())
		}

		var state entity.JobState
		if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
			t.Fatalf("decoding job state: %v", err)
		}
		if state.Status.Terminal() {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return entity.JobState{}
}

func TestSubmitAndPollJob(t *testing.T) {
	stub := detector.NewStub()
	stub.Responses[sampleText] = []entity.DetectedEntity{
		{Type: entity.TypeAgeOverThreshold, Text: "95", Start: 11, End: 13, Confidence: 0.93},
		{Type: entity.TypePhone, Text: "0912-345-678", Start: 33, End: 45, Confidence: 0.99},
	}

	srv := newTestServer(t, stub)
	docID := uploadDocument(t, srv, "note.txt", sampleText)

	resp := submitJob(t, srv, fmt.Sprintf(`{"document_ids":[%q]}`, docID))
	if resp.Status != entity.JobPending {
		t.Errorf("initial status = %q, want pending", resp.Status)
	}

	state := awaitJob(t, srv, resp.JobID)
	srv.jobs.Wait()

	if state.Status != entity.JobCompleted {
		t.Fatalf("final status = %q, want completed", state.Status)
	}
	if state.Progress != 100 {
		t.Errorf("progress = %v, want 100", state.Progress)
	}

	req := httptest.NewRequest("GET", "/api/jobs/"+resp.JobID+"/result", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body %s", rec.Code, rec.Body.String())
	}

	var summary entity.JobSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.TotalEntities != 2 {
		t.Errorf("total entities = %d, want 2", summary.TotalEntities)
	}
	if len(summary.Documents) != 1 {
		t.Fatalf("documents = %d, want 1", len(summary.Documents))
	}

	want := "Patient is 90 or older years old, contact [REDACTED]."
	if summary.Documents[0].MaskedText != want {
		t.Errorf("masked text = %q, want %q", summary.Documents[0].MaskedText, want)
	}
}

func TestSubmitJobAgeThresholdOverride(t *testing.T) {
	text := "Patient is 60 years old."

	stub := detector.NewStub()
	stub.Responses[text] = []entity.DetectedEntity{
		{Type: entity.TypeAgeOverThreshold, Text: "60", Start: 11, End: 13, Confidence: 0.9},
	}

	srv := newTestServer(t, stub)
	docID := uploadDocument(t, srv, "note.txt", text)

	body := fmt.Sprintf(`{"document_ids":[%q],"masking":{"enabled":true,"age_threshold":50,"policies":{"age_over_threshold":{"enabled":true,"strategy":"generalize"}}}}`, docID)
	resp := submitJob(t, srv, body)
	awaitJob(t, srv, resp.JobID)
	srv.jobs.Wait()

	req := httptest.NewRequest("GET", "/api/jobs/"+resp.JobID+"/result", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body %s", rec.Code, rec.Body.String())
	}

	var summary entity.JobSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	want := "Patient is 60s years old."
	if summary.Documents[0].MaskedText != want {
		t.Errorf("masked text = %q, want %q", summary.Documents[0].MaskedText, want)
	}
}

func TestExportLedgerCSV(t *testing.T) {
	stub := detector.NewStub()
	stub.Responses[sampleText] = []entity.DetectedEntity{
		{Type: entity.TypePhone, Text: "0912-345-678", Start: 33, End: 45, Confidence: 0.99},
	}

	srv := newTestServer(t, stub)
	docID := uploadDocument(t, srv, "note.txt", sampleText)
	resp := submitJob(t, srv, fmt.Sprintf(`{"document_ids":[%q]}`, docID))
	awaitJob(t, srv, resp.JobID)
	srv.jobs.Wait()

	req := httptest.NewRequest("GET", "/api/jobs/"+resp.JobID+"/export?format=csv", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q", ct)
	}

	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatalf("parsing exported CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d CSV lines, want header + 1 row", len(records))
	}
}

func TestSubmitJobValidation(t *testing.T) {
	srv := newTestServer(t, detector.NewStub())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"EmptyDocumentList", `{"document_ids":[]}`, http.StatusBadRequest},
		{"MalformedJSON", `{`, http.StatusBadRequest},
		{"UnknownStrategyOverride", `{"document_ids":["d1"],"masking":{"enabled":true,"default_strategy":"rot13"}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/jobs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestUnknownJobReturns404(t *testing.T) {
	srv := newTestServer(t, detector.NewStub())

	for _, path := range []string{
		"/api/jobs/missing",
		"/api/jobs/missing/result",
		"/api/jobs/missing/export",
	} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestHealthAndInfo(t *testing.T) {
	srv := newTestServer(t, detector.NewStub())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/info", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("info status = %d", rec.Code)
	}
	var info map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decoding info: %v", err)
	}
	if info["name"] != "deid" {
		t.Errorf("info name = %v", info["name"])
	}
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	srv := newTestServer(t, detector.NewStub())

	var got string
	handler := srv.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = requestIDFrom(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/jobs", nil))

	if got == "" || got == "unknown" {
		t.Errorf("request ID = %q, want a generated ID", got)
	}
}

func TestHotReloadAffectsOnlyNewJobs(t *testing.T) {
	stub := detector.NewStub()
	stub.Responses[sampleText] = []entity.DetectedEntity{
		{Type: entity.TypePhone, Text: "0912-345-678", Start: 33, End: 45, Confidence: 0.99},
	}

	srv := newTestServer(t, stub)
	docID := uploadDocument(t, srv, "note.txt", sampleText)

	// Disable masking globally, then submit: the new default must apply.
	updated := entity.DefaultMaskingConfig()
	updated.Enabled = false
	srv.UpdateMaskingConfig(updated)

	resp := submitJob(t, srv, fmt.Sprintf(`{"document_ids":[%q]}`, docID))
	awaitJob(t, srv, resp.JobID)
	srv.jobs.Wait()

	req := httptest.NewRequest("GET", "/api/jobs/"+resp.JobID+"/result", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var summary entity.JobSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.Documents[0].MaskedText != sampleText {
		t.Errorf("masked text = %q, want passthrough with masking disabled", summary.Documents[0].MaskedText)
	}
}
