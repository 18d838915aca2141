package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS deid_jobs (
	job_id            TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	progress          DOUBLE PRECISION NOT NULL DEFAULT 0,
	message           TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	elapsed_seconds   DOUBLE PRECISION NOT NULL DEFAULT 0,
	remaining_seconds DOUBLE PRECISION,
	throughput_cps    DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_chars       BIGINT NOT NULL DEFAULT 0,
	processed_chars   BIGINT NOT NULL DEFAULT 0,
	document_ids      TEXT[] NOT NULL DEFAULT '{}'
)`

// PostgresStore persists job state in PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresStore connects to the database and ensures the job table
// exists.
func NewPostgresStore(cfg config.StoreConfig, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store := &PostgresStore{db: db, logger: logger}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	logger.Info("Job store initialized",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)

	return store, nil
}

func (s *PostgresStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure job table: %w", err)
	}

	return nil
}

// Save upserts the job record. Called after every state transition.
func (s *PostgresStore) Save(ctx context.Context, state entity.JobState) error {
	query := `
		INSERT INTO deid_jobs (
			job_id, status, progress, message, created_at, started_at,
			completed_at, elapsed_seconds, remaining_seconds,
			throughput_cps, total_chars, processed_chars, document_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			status            = EXCLUDED.status,
			progress          = EXCLUDED.progress,
			message           = EXCLUDED.message,
			started_at        = EXCLUDED.started_at,
			completed_at      = EXCLUDED.completed_at,
			elapsed_seconds   = EXCLUDED.elapsed_seconds,
			remaining_seconds = EXCLUDED.remaining_seconds,
			throughput_cps    = EXCLUDED.throughput_cps,
			total_chars       = EXCLUDED.total_chars,
			processed_chars   = EXCLUDED.processed_chars,
			document_ids      = EXCLUDED.document_ids`

	_, err := s.db.ExecContext(ctx, query,
		state.JobID,
		state.Status,
		state.Progress,
		state.Message,
		state.CreatedAt,
		state.StartedAt,
		state.CompletedAt,
		state.ElapsedSeconds,
		state.RemainingSeconds,
		state.ThroughputCPS,
		state.TotalChars,
		state.ProcessedChars,
		pq.Array(state.DocumentIDs),
	)
	if err != nil {
		s.logger.Error("Failed to save job state",
			zap.String("job_id", state.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save job state: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (entity.JobState, error) {
	query := `
		SELECT job_id, status, progress, message, created_at, started_at,
		       completed_at, elapsed_seconds, remaining_seconds,
		       throughput_cps, total_chars, processed_chars, document_ids
		FROM deid_jobs WHERE job_id = $1`

	state, err := s.scanRow(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.JobState{}, entity.ErrJobNotFound
		}
		return entity.JobState{}, fmt.Errorf("failed to load job state: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]entity.JobState, error) {
	query := `
		SELECT job_id, status, progress, message, created_at, started_at,
		       completed_at, elapsed_seconds, remaining_seconds,
		       throughput_cps, total_chars, processed_chars, document_ids
		FROM deid_jobs ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var states []entity.JobState
	for rows.Next() {
		state, err := s.scanRow(rows)
		if err != nil {
			s.logger.Error("Failed to scan job row", zap.Error(err))
			continue
		}
		states = append(states, state)
	}

	return states, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanRow(row rowScanner) (entity.JobState, error) {
	var state entity.JobState
	var docIDs pq.StringArray

	err := row.Scan(
		&state.JobID,
		&state.Status,
		&state.Progress,
		&state.Message,
		&state.CreatedAt,
		&state.StartedAt,
		&state.CompletedAt,
		&state.ElapsedSeconds,
		&state.RemainingSeconds,
		&state.ThroughputCPS,
		&state.TotalChars,
		&state.ProcessedChars,
		&docIDs,
	)
	if err != nil {
		return entity.JobState{}, err
	}

	state.DocumentIDs = []string(docIDs)
	return state, nil
}

// maskDatabaseURL masks the password in a database URL for logging.
func maskDatabaseURL(url string) string {
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) >= 2 {
			userPart := parts[0]
			if strings.Contains(userPart, ":") {
				userParts := strings.Split(userPart, ":")
				if len(userParts) >= 3 {
					userParts[len(userParts)-1] = "***"
					parts[0] = strings.Join(userParts, ":")
				}
			}
			return strings.Join(parts, "@")
		}
	}
	return url
}
