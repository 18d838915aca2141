package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/docs"
	"github.com/medtext/deid/internal/entity"
	"github.com/medtext/deid/internal/jobstore"
	"github.com/medtext/deid/internal/masking"
	"github.com/medtext/deid/internal/progress"
)

// ErrResultNotReady is returned when a job exists but has not reached a
// terminal status yet.
var ErrResultNotReady = errors.New("job result not ready")

// Service accepts de-identification jobs, runs them asynchronously, and
// answers status and result queries for polling clients.
type Service struct {
	pipeline *Pipeline
	source   docs.Source
	store    jobstore.Store
	logger   *zap.Logger

	// onStateChange is invoked after every persisted state transition,
	// outside the service lock. Used to push job events to subscribers.
	onStateChange func(entity.JobState)

	mu      sync.RWMutex
	results map[string]*entity.JobSummary
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires a job service. notify may be nil.
func NewService(p *Pipeline, source docs.Source, store jobstore.Store, logger *zap.Logger, notify func(entity.JobState)) *Service {
	return &Service{
		pipeline:      p,
		source:        source,
		store:         store,
		logger:        logger,
		onStateChange: notify,
		results:       make(map[string]*entity.JobSummary),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// SubmitJob registers a new job in pending state and starts it in the
// background. The masking configuration is snapshotted here; later
// configuration changes never affect a running job.
func (s *Service) SubmitJob(ctx context.Context, documentIDs []string, cfg entity.MaskingConfig) (string, error) {
	if len(documentIDs) == 0 {
		return "", errors.New("job needs at least one document")
	}

	jobID := uuid.New().String()
	snapshot := cfg.Clone()

	state := entity.JobState{
		JobID:       jobID,
		Status:      entity.JobPending,
		CreatedAt:   time.Now(),
		DocumentIDs: append([]string(nil), documentIDs...),
	}
	if err := s.store.Save(ctx, state); err != nil {
		return "", err
	}
	s.notify(state)

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(runCtx, state, snapshot)
	}()

	s.logger.Info("Job accepted",
		zap.String("job_id", jobID),
		zap.Int("documents", len(documentIDs)),
	)
	return jobID, nil
}

// CancelJob requests cancellation of a running job. The run context is
// cancelled immediately, which aborts any in-flight detector call; the
// job records its failed terminal state at the next document boundary.
func (s *Service) CancelJob(jobID string) error {
	s.mu.RLock()
	cancel, ok := s.cancels[jobID]
	s.mu.RUnlock()
	if !ok {
		return entity.ErrJobNotFound
	}
	cancel()
	return nil
}

// GetJobState returns the persisted state of a job.
func (s *Service) GetJobState(ctx context.Context, jobID string) (entity.JobState, error) {
	return s.store.Get(ctx, jobID)
}

// ListJobs returns all known jobs, oldest first.
func (s *Service) ListJobs(ctx context.Context) ([]entity.JobState, error) {
	return s.store.List(ctx)
}

// GetJobResult returns the terminal result of a job. A job that is still
// running yields ErrResultNotReady; an unknown job yields ErrJobNotFound.
func (s *Service) GetJobResult(ctx context.Context, jobID string) (*entity.JobSummary, error) {
	s.mu.RLock()
	result, ok := s.results[jobID]
	s.mu.RUnlock()
	if ok {
		return result, nil
	}

	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	// Known job, no in-memory summary: still running, or terminal from a
	// previous process whose results are gone.
	return nil, ErrResultNotReady
}

// Wait blocks until all in-flight jobs have finished. Used on shutdown.
func (s *Service) Wait() {
	s.wg.Wait()
}

// run executes one job to completion. Per-document failures are recorded
// and skipped; the job itself fails only when no document succeeds, when
// strict mode sees any failure, or on cancellation.
func (s *Service) run(ctx context.Context, state entity.JobState, cfg entity.MaskingConfig) {
	defer func() {
		s.mu.Lock()
		delete(s.cancels, state.JobID)
		s.mu.Unlock()
	}()

	log := s.logger.With(zap.String("job_id", state.JobID))
	keys := masking.JobKeys{Salt: state.JobID, Subject: state.JobID}

	documents, loadFailures, totalChars := s.loadDocuments(ctx, state.DocumentIDs, log)

	tracker := progress.NewTracker()
	tracker.Start(totalChars)

	now := time.Now()
	state.Status = entity.JobProcessing
	state.StartedAt = &now
	state.TotalChars = totalChars
	state.Message = "processing"
	s.persist(&state, tracker, log)

	results := make([]entity.DocumentResult, 0, len(state.DocumentIDs))
	results = append(results, loadFailures...)

	cancelled := false
	for _, doc := range documents {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		result, err := s.pipeline.ProcessDocument(ctx, doc, cfg, keys)
		if err != nil {
			log.Warn("Document failed",
				zap.String("document_id", doc.ID),
				zap.Error(err),
			)
			result = failedResult(doc, err)
		}
		results = append(results, result)

		tracker.Advance(int64(len(doc.Text)))
		s.persist(&state, tracker, log)
	}

	summary := summarize(state.JobID, results)

	state.CompletedAt = timePtr(time.Now())
	switch {
	case cancelled:
		state.Status = entity.JobFailed
		state.Message = "job cancelled"
	case summary.Succeeded == 0:
		state.Status = entity.JobFailed
		state.Message = "all documents failed"
	case cfg.StrictMode && summary.Failed > 0:
		state.Status = entity.JobFailed
		state.Message = "strict mode: one or more documents failed"
	default:
		state.Status = entity.JobCompleted
		state.Message = "completed"
	}
	s.persist(&state, tracker, log)

	s.mu.Lock()
	s.results[state.JobID] = &summary
	s.mu.Unlock()

	log.Info("Job finished",
		zap.String("status", string(state.Status)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
	)
}

// loadDocuments resolves document IDs up front so the tracker knows the
// total character count before processing starts. Unloadable documents
// become failed results immediately.
func (s *Service) loadDocuments(ctx context.Context, ids []string, log *zap.Logger) ([]docs.Document, []entity.DocumentResult, int64) {
	loaded := make([]docs.Document, 0, len(ids))
	var failures []entity.DocumentResult
	var total int64

	for _, id := range ids {
		doc, err := s.source.Load(ctx, id)
		if err != nil {
			log.Warn("Document load failed",
				zap.String("document_id", id),
				zap.Error(err),
			)
			failures = append(failures, failedResult(docs.Document{ID: id}, err))
			continue
		}
		loaded = append(loaded, doc)
		total += int64(len(doc.Text))
	}
	return loaded, failures, total
}

// persist copies the tracker snapshot into the state and saves it. The
// displayed progress stays below 100 until the job is terminal. State is
// saved with a detached context so a cancelled job still records its
// final status.
func (s *Service) persist(state *entity.JobState, tracker *progress.Tracker, log *zap.Logger) {
	snap := tracker.Snapshot()

	p := snap.Progress
	switch {
	case state.Status == entity.JobCompleted:
		p = 100
	case p >= 100:
		p = 99.9
	}
	state.Progress = p
	state.ElapsedSeconds = snap.ElapsedSeconds
	state.ThroughputCPS = snap.ThroughputCPS
	state.RemainingSeconds = snap.RemainingSeconds
	state.ProcessedChars = snap.ProcessedChars

	if err := s.store.Save(context.Background(), *state); err != nil {
		log.Error("Failed to persist job state", zap.Error(err))
	}
	s.notify(*state)
}

func (s *Service) notify(state entity.JobState) {
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

func failedResult(doc docs.Document, err error) entity.DocumentResult {
	return entity.DocumentResult{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Status:     entity.DocumentFailed,
		Error:      err.Error(),
		Chars:      len(doc.Text),
	}
}

func summarize(jobID string, results []entity.DocumentResult) entity.JobSummary {
	summary := entity.JobSummary{
		JobID:            jobID,
		Documents:        results,
		CountsByType:     make(map[entity.SensitiveType]int),
		CountsByStrategy: make(map[entity.StrategyType]int),
	}
	for _, r := range results {
		if r.Status == entity.DocumentFailed {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		for _, le := range r.Entities {
			summary.CountsByType[le.Entity.Type]++
			summary.CountsByStrategy[le.Strategy]++
			summary.TotalEntities++
		}
	}
	return summary
}

func timePtr(t time.Time) *time.Time { return &t }
