package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/export"
	"github.com/medtext/deid/internal/pipeline"
)

const serviceVersion = "0.1.0"

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type submitJobRequest struct {
	DocumentIDs []string                `json:"document_ids"`
	Masking     *config.MaskingSettings `json:"masking,omitempty"`
}

type submitJobResponse struct {
	JobID  string           `json:"job_id"`
	Status entity.JobStatus `json:"status"`
}

type uploadResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Size       int    `json:"size"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.defaultMaskingConfig()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":            "deid",
		"version":         serviceVersion,
		"masking_enabled": cfg.Enabled,
		"strict_mode":     cfg.StrictMode,
		"age_threshold":   cfg.AgeThreshold,
		"store_driver":    s.config.Store.Driver,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.HandleWebSocket(w, r)
}

// handleUploadDocument stores a raw text document and returns its ID for
// later job submissions.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.config.Documents.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return
	}

	id, err := s.source.Save(r.Context(), header.Filename, content)
	if err != nil {
		s.requestLogger(r).Error("Failed to store uploaded document", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		DocumentID: id,
		Filename:   header.Filename,
		Size:       len(content),
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "document_ids must not be empty")
		return
	}

	maskingCfg := s.defaultMaskingConfig()
	if req.Masking != nil {
		override, err := req.Masking.ToMaskingConfig()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid masking configuration: %v", err))
			return
		}
		maskingCfg = override
	}

	jobID, err := s.jobs.SubmitJob(r.Context(), req.DocumentIDs, maskingCfg)
	if err != nil {
		s.requestLogger(r).Error("Failed to submit job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	w.Header().Set("Location", "/api/jobs/"+jobID)
	writeJSON(w, http.StatusAccepted, submitJobResponse{
		JobID:  jobID,
		Status: entity.JobPending,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	states, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.requestLogger(r).Error("Failed to list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": states})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	state, err := s.jobs.GetJobState(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, entity.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.requestLogger(r).Error("Failed to fetch job state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := s.jobs.CancelJob(jobID); err != nil {
		if errors.Is(err, entity.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found or already finished")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *Server) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	summary, err := s.fetchResult(w, r, jobID)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.fetchResult(w, r, jobID)
	if err != nil {
		return
	}

	filename := fmt.Sprintf("ledger-%s.%s", jobID, format)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	switch format {
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case export.FormatParquet:
		w.Header().Set("Content-Type", "application/octet-stream")
	default:
		w.Header().Set("Content-Type", "application/x-ndjson")
	}

	if err := s.exporter.Write(w, format, summary); err != nil {
		s.requestLogger(r).Error("Ledger export failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// fetchResult resolves a terminal job result, writing the error response
// itself when the job is missing or still running.
func (s *Server) fetchResult(w http.ResponseWriter, r *http.Request, jobID string) (*entity.JobSummary, error) {
	summary, err := s.jobs.GetJobResult(r.Context(), jobID)
	if err == nil {
		return summary, nil
	}

	switch {
	case errors.Is(err, entity.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pipeline.ErrResultNotReady):
		writeError(w, http.StatusConflict, "job has not finished yet")
	default:
		s.requestLogger(r).Error("Failed to fetch job result", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch result")
	}
	return nil, err
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: status})
}
