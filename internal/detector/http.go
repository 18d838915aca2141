package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/entity"
)

// detectRequest is the wire request to the detector service.
type detectRequest struct {
	Text string `json:"text"`
}

// detectResponse is the wire response from the detector service.
type detectResponse struct {
	Entities []entity.DetectedEntity `json:"entities"`
}

// HTTPDetector calls the external LLM-backed detection service. Calls are
// time-boxed, rate limited, and retried with linear backoff; a call that
// still fails surfaces ErrTimeout or ErrUnavailable to the pipeline.
type HTTPDetector struct {
	endpoint   string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewHTTPDetector creates a detector client from configuration.
func NewHTTPDetector(cfg config.DetectorConfig, logger *zap.Logger) *HTTPDetector {
	perSecond := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)
	if cfg.RequestsPerMin <= 0 {
		perSecond = rate.Inf
	}

	return &HTTPDetector{
		endpoint:   cfg.Endpoint,
		client:     &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		limiter:    rate.NewLimiter(perSecond, 1),
		logger:     logger,
	}
}

func (d *HTTPDetector) Name() string { return "http" }

// Detect posts the document text to the detector service and decodes the
// candidate spans. Only this collaborator call is retried; everything
// downstream of it is deterministic.
func (d *HTTPDetector) Detect(ctx context.Context, text string) ([]entity.DetectedEntity, error) {
	var lastErr error

	attempts := d.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		entities, err := d.detectOnce(ctx, text)
		if err == nil {
			return entities, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		d.logger.Warn("Detector call failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)

		if attempt < attempts {
			select {
			case <-time.After(d.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (d *HTTPDetector) detectOnce(ctx context.Context, text string) ([]entity.DetectedEntity, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body, err := json.Marshal(detectRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("detector returned HTTP %d", resp.StatusCode)
	}

	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode detect response: %w", err)
	}

	d.logger.Debug("Detector call completed",
		zap.Int("entities", len(decoded.Entities)),
		zap.Duration("duration", time.Since(start)),
	)

	return decoded.Entities, nil
}

func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
