package audit

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-gateway/internal/common/config"
	"risk-gateway/internal/common/database"
	"risk-gateway/internal/common/logger"
)

type fakeIndexer struct {
	mu      sync.Mutex
	docs    map[string][]string
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index string, body io.Reader) error {
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	if f.err != nil {
		return f.err
	}
	b, _ := io.ReadAll(body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = map[string][]string{}
	}
	f.docs[index] = append(f.docs[index], string(b))
	return nil
}

func TestElasticsearchSink_Record(t *testing.T) {
	idx := &fakeIndexer{}
	sink := NewElasticsearchSink(idx, "risk-audit", time.Second, 0, logger.NewTestLogger(t))

	sink.Record(context.Background(), Event{
		RequestID:    "req-1",
		Username:     "alice",
		Role:         "standard",
		Operation:    "predict",
		Outcome:      "ok",
		DurationMs:   3,
		ModelVersion: "1",
	})
	require.NoError(t, sink.Close(context.Background()))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.docs["risk-audit"], 1)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(idx.docs["risk-audit"][0]), &doc))
	assert.Equal(t, "alice", doc["username"])
	assert.Equal(t, "predict", doc["operation"])
	assert.NotEmpty(t, doc["@timestamp"])
	assert.NotContains(t, doc, "features")
	assert.NotContains(t, doc, "errorCode")
}

func TestElasticsearchSink_FailureIsSwallowed(t *testing.T) {
	idx := &fakeIndexer{err: stderrors.New("cluster red")}
	sink := NewElasticsearchSink(idx, "risk-audit", time.Second, 0, logger.NewTestLogger(t))

	assert.NotPanics(t, func() {
		sink.Record(context.Background(), Event{Operation: "explain", Outcome: "EXPLANATION_FAILED"})
	})
	assert.NoError(t, sink.Close(context.Background()))
}

func TestElasticsearchSink_DropsWhenSlotsAreBusy(t *testing.T) {
	idx := &fakeIndexer{started: make(chan struct{}, 4), gate: make(chan struct{})}
	sink := NewElasticsearchSink(idx, "risk-audit", time.Second, 2, logger.NewTestLogger(t))

	sink.Record(context.Background(), Event{RequestID: "req-1", Operation: "predict", Outcome: "ok"})
	sink.Record(context.Background(), Event{RequestID: "req-2", Operation: "predict", Outcome: "ok"})
	<-idx.started
	<-idx.started

	sink.Record(context.Background(), Event{RequestID: "req-3", Operation: "predict", Outcome: "ok"})
	sink.Record(context.Background(), Event{RequestID: "req-4", Operation: "predict", Outcome: "ok"})

	close(idx.gate)
	require.NoError(t, sink.Close(context.Background()))

	idx.mu.Lock()
	assert.Len(t, idx.docs["risk-audit"], 2)
	idx.mu.Unlock()

	// Slots are released once writes finish.
	idx.gate = nil
	sink.Record(context.Background(), Event{RequestID: "req-5", Operation: "predict", Outcome: "ok"})
	require.NoError(t, sink.Close(context.Background()))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	assert.Len(t, idx.docs["risk-audit"], 3)
}

func TestElasticsearchSink_AgainstHTTPCluster(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	client, err := database.NewElasticsearch(config.ElasticsearchConfig{URL: srv.URL})
	require.NoError(t, err)

	sink := NewElasticsearchSink(client, "risk-audit", time.Second, 0, logger.NewTestLogger(t))
	sink.Record(context.Background(), Event{Operation: "auth", Outcome: "ok"})
	require.NoError(t, sink.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "POST /risk-audit/_doc"))
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Record(context.Background(), Event{})
	assert.NoError(t, s.Close(context.Background()))
}
