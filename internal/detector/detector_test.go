package detector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/medtext/deid/internal/config"
	"github.com/medtext/deid/internal/entity"
)

func detectorConfig(endpoint string) config.DetectorConfig {
	return config.DetectorConfig{
		Endpoint:   endpoint,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	}
}

func TestHTTPDetectorDetect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"entities":[{"type":"phone","text":"0912-345-678","start":25,"end":37,"confidence":0.95}]}`))
	}))
	defer server.Close()

	d := NewHTTPDetector(detectorConfig(server.URL), zap.NewNop())
	defer d.Close()

	entities, err := d.Detect(context.Background(), "contact 0912-345-678")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(entities))
	}
	if entities[0].Type != entity.TypePhone || entities[0].Confidence != 0.95 {
		t.Errorf("Unexpected entity: %+v", entities[0])
	}
}

func TestHTTPDetectorRetriesThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"entities":[]}`))
	}))
	defer server.Close()

	d := NewHTTPDetector(detectorConfig(server.URL), zap.NewNop())
	defer d.Close()

	entities, err := d.Detect(context.Background(), "text")
	if err != nil {
		t.Fatalf("Detect should succeed on the third attempt: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if len(entities) != 0 {
		t.Errorf("Expected zero entities, got %d", len(entities))
	}
}

func TestHTTPDetectorUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewHTTPDetector(detectorConfig(server.URL), zap.NewNop())
	defer d.Close()

	_, err := d.Detect(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPDetectorTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"entities":[]}`))
	}))
	defer server.Close()

	cfg := detectorConfig(server.URL)
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1

	d := NewHTTPDetector(cfg, zap.NewNop())
	defer d.Close()

	_, err := d.Detect(context.Background(), "text")
	if err == nil {
		t.Fatal("Expected a timeout error")
	}
}

func TestStub(t *testing.T) {
	s := NewStub()
	s.Responses["hello"] = []entity.DetectedEntity{
		{Type: entity.TypeName, Text: "hello", Start: 0, End: 5, Confidence: 0.5},
	}

	entities, err := s.Detect(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Stub detect failed: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("Expected 1 entity, got %d", len(entities))
	}

	entities[0].Text = "mutated"
	again, _ := s.Detect(context.Background(), "hello")
	if again[0].Text != "hello" {
		t.Error("Stub response was mutated by a previous caller")
	}

	none, err := s.Detect(context.Background(), "unknown")
	if err != nil || len(none) != 0 {
		t.Errorf("Unknown text should yield zero entities, got %v, %v", none, err)
	}
}

type staticDetector struct{}

func (staticDetector) Name() string { return "static" }
func (staticDetector) Detect(context.Context, string) ([]entity.DetectedEntity, error) {
	return nil, nil
}
func (staticDetector) Close() error { return nil }

func TestCachedDetectorCountsMissesConcurrently(t *testing.T) {
	// Unreachable Redis: every lookup fails and falls through to the
	// inner detector as a miss.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	defer client.Close()

	c := &CachedDetector{
		inner:     staticDetector{},
		client:    client,
		keyPrefix: "test",
		ttl:       time.Minute,
		logger:    zap.NewNop(),
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Detect(context.Background(), "some text"); err != nil {
				t.Errorf("Detect: %v", err)
			}
		}()
	}
	wg.Wait()

	hits, misses := c.Stats()
	if hits != 0 || misses != workers {
		t.Errorf("Stats() = (%d, %d), want (0, %d)", hits, misses, workers)
	}
}
