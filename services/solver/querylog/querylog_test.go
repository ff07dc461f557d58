// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package querylog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

// ============================================================================
// Test Helpers
// ============================================================================

type memorySink struct {
	mu      sync.Mutex
	entries []datatypes.QueryLogEntry
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(ctx context.Context, e datatypes.QueryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Write(ctx context.Context, e datatypes.QueryLogEntry) error {
	return errors.New("disk full")
}

// gateSink blocks every write until release is closed.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Name() string { return "gate" }

func (g *gateSink) Write(ctx context.Context, e datatypes.QueryLogEntry) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return nil
}

func entry(hit bool) datatypes.QueryLogEntry {
	source := datatypes.SourceSolved
	if hit {
		source = datatypes.SourceCache
	}
	return datatypes.QueryLogEntry{Subject: datatypes.SubjectMath, Source: source, CacheHit: hit, ResponseTimeMs: 42}
}

// ============================================================================
// Recorder
// ============================================================================

func TestRecorder_DeliversToAllSinks(t *testing.T) {
	first, second := &memorySink{}, &memorySink{}
	r := NewRecorder(Config{}, nil, nil, first, second)

	for i := 0; i < 10; i++ {
		assert.True(t, r.Record(entry(i%2 == 0)))
	}
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 10, first.len())
	assert.Equal(t, 10, second.len())
	for _, e := range first.entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestRecorder_KeepsCallerIdentity(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(Config{}, nil, nil, sink)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	e := entry(true)
	e.ID, e.CreatedAt = "fixed", at
	r.Record(e)
	require.NoError(t, r.Close(context.Background()))

	require.Len(t, sink.entries, 1)
	assert.Equal(t, "fixed", sink.entries[0].ID)
	assert.Equal(t, at, sink.entries[0].CreatedAt)
}

func TestRecorder_FullQueueDropsWithoutBlocking(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	gate := &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRecorder(Config{QueueSize: 1}, metrics, nil, gate)

	require.True(t, r.Record(entry(false)))
	<-gate.entered

	require.True(t, r.Record(entry(false)))

	start := time.Now()
	assert.False(t, r.Record(entry(false)))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QueryLogDroppedTotal))

	close(gate.release)
	require.NoError(t, r.Close(context.Background()))
}

func TestRecorder_SinkErrorsAreSwallowed(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	good := &memorySink{}
	r := NewRecorder(Config{}, metrics, nil, failingSink{}, good)

	r.Record(entry(true))
	r.Record(entry(false))
	require.NoError(t, r.Close(context.Background()))

	assert.Equal(t, 2, good.len())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueryLogSinkErrorsTotal.WithLabelValues("failing")))
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(Config{}, nil, nil, sink)
	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))

	assert.False(t, r.Record(entry(true)))
	assert.Equal(t, 0, sink.len())
}

func TestRecorder_CloseHonoursDeadline(t *testing.T) {
	gate := &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := NewRecorder(Config{}, nil, nil, gate)
	r.Record(entry(false))
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate.release)
	assert.NoError(t, r.Close(context.Background()))
}

func TestRecorder_ConcurrentRecordAndClose(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(Config{QueueSize: 8}, nil, nil, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Record(entry(j%3 == 0))
			}
		}()
	}
	go func() { _ = r.Close(context.Background()) }()
	wg.Wait()
	require.NoError(t, r.Close(context.Background()))
	assert.LessOrEqual(t, sink.len(), 400)
}

// ============================================================================
// Sinks
// ============================================================================

func TestStoreSink_FeedsStats(t *testing.T) {
	s, err := store.OpenBadgerStore(store.InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	r := NewRecorder(Config{}, nil, nil, NewStoreSink(s))
	r.Record(entry(true))
	r.Record(entry(false))
	r.Record(entry(true))
	require.NoError(t, r.Close(context.Background()))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalQueries)
	assert.Equal(t, 2, stats.CacheHits)
}

func TestInfluxSink_WritesLineProtocol(t *testing.T) {
	var (
		mu    sync.Mutex
		body  string
		query string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, query = string(data), r.URL.RawQuery
		mu.Unlock()
		assert.Equal(t, "/api/v2/write", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "t", Org: "calomr", Bucket: "queries"})
	require.NoError(t, err)
	defer sink.Close()

	e := entry(true)
	e.QuestionID = "q-1"
	e.Similarity = 0.93
	e.CreatedAt = time.Now()
	require.NoError(t, sink.Write(context.Background(), e))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, body, "calomr_queries")
	assert.Contains(t, body, "subject=math")
	assert.Contains(t, body, "cache_hit=true")
	assert.Contains(t, body, "response_time_ms=42i")
	assert.Contains(t, query, "bucket=queries")
	assert.Contains(t, query, "org=calomr")
}

func TestInfluxSink_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unauthorized","message":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	sink, err := NewInfluxSink(InfluxConfig{URL: srv.URL, Org: "o", Bucket: "b"})
	require.NoError(t, err)
	defer sink.Close()

	assert.Error(t, sink.Write(context.Background(), entry(false)))
}

func TestNewInfluxSink_Validation(t *testing.T) {
	_, err := NewInfluxSink(InfluxConfig{})
	assert.Error(t, err)
	_, err = NewInfluxSink(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)
}
