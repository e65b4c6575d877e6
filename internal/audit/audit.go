// Package audit records who called which operation and how it ended.
// Events never carry feature values.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"risk-gateway/internal/common/logger"
)

// Event is one audited gateway call.
type Event struct {
	Timestamp    time.Time `json:"@timestamp"`
	RequestID    string    `json:"requestId,omitempty"`
	Username     string    `json:"username,omitempty"`
	Role         string    `json:"role,omitempty"`
	Operation    string    `json:"operation"`
	Outcome      string    `json:"outcome"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	ModelVersion string    `json:"modelVersion,omitempty"`
	Source       string    `json:"source,omitempty"`
}

type Sink interface {
	Record(ctx context.Context, event Event)
	Close(ctx context.Context) error
}

// IndexMapping is applied when the audit index is created.
const IndexMapping = `{
  "mappings": {
    "properties": {
      "@timestamp":   {"type": "date"},
      "requestId":    {"type": "keyword"},
      "username":     {"type": "keyword"},
      "role":         {"type": "keyword"},
      "operation":    {"type": "keyword"},
      "outcome":      {"type": "keyword"},
      "errorCode":    {"type": "keyword"},
      "durationMs":   {"type": "long"},
      "modelVersion": {"type": "keyword"},
      "source":       {"type": "keyword"}
    }
  }
}`

// Indexer is satisfied by *database.ElasticsearchClient.
type Indexer interface {
	IndexDocument(ctx context.Context, index string, body io.Reader) error
}

const defaultMaxInFlight = 64

// ElasticsearchSink indexes events in the background. At most maxInFlight
// writes run at once; events arriving while all slots are busy are dropped
// with a warning. Failures are logged and never reach the caller.
type ElasticsearchSink struct {
	indexer Indexer
	index   string
	timeout time.Duration
	slots   *semaphore.Weighted
	logger  logger.Logger
	wg      sync.WaitGroup
}

func NewElasticsearchSink(indexer Indexer, index string, timeout time.Duration, maxInFlight int, log logger.Logger) *ElasticsearchSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &ElasticsearchSink{
		indexer: indexer,
		index:   index,
		timeout: timeout,
		slots:   semaphore.NewWeighted(int64(maxInFlight)),
		logger:  log.WithFields(map[string]interface{}{"component": "audit", "index": index}),
	}
}

func (s *ElasticsearchSink) Record(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to encode audit event", map[string]interface{}{"error": err})
		return
	}

	if !s.slots.TryAcquire(1) {
		s.logger.Warn("Audit backlog full, dropping event", map[string]interface{}{
			"requestId": event.RequestID,
			"operation": event.Operation,
		})
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.slots.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.indexer.IndexDocument(ctx, s.index, bytes.NewReader(body)); err != nil {
			s.logger.Warn("Failed to index audit event", map[string]interface{}{
				"requestId": event.RequestID,
				"operation": event.Operation,
				"error":     err,
			})
		}
	}()
}

// Close waits for in-flight writes or until ctx is done.
func (s *ElasticsearchSink) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
func (NopSink) Close(context.Context) error   { return nil }
