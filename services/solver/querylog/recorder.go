// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querylog records resolution attempts without slowing requests.
//
// # Description
//
// Record enqueues an entry on a bounded channel and returns immediately.
// A single background goroutine drains the queue into every configured
// Sink. When the queue is full the entry is dropped and counted; sink
// failures are logged and counted. Neither ever reaches the caller.
//
// # Thread Safety
//
// Record and Close are safe for concurrent use.
package querylog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/observability"
)

const (
	DefaultQueueSize   = 1024
	DefaultSinkTimeout = 5 * time.Second
)

// Sink receives query log entries.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Write(ctx context.Context, entry datatypes.QueryLogEntry) error
}

// Config for a Recorder.
type Config struct {
	QueueSize   int
	SinkTimeout time.Duration
}

// Recorder is the fire-and-forget query logger.
type Recorder struct {
	sinks   []Sink
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan datatypes.QueryLogEntry
	done   chan struct{}
}

// NewRecorder starts the background writer.
//
// # Inputs
//
//   - cfg: Zero fields take defaults.
//   - metrics: May be nil.
//   - logger: May be nil.
//   - sinks: Destinations, written in order. May be empty.
func NewRecorder(cfg Config, metrics *observability.Metrics, logger *slog.Logger, sinks ...Sink) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultSinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   sinks,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan datatypes.QueryLogEntry, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues entry. It never blocks and never fails.
//
// # Description
//
// A missing ID or CreatedAt is filled in. The entry is dropped when the
// queue is full or the Recorder is closed.
//
// # Outputs
//
//   - bool: False when the entry was dropped.
func (r *Recorder) Record(entry datatypes.QueryLogEntry) bool {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.RecordQueryLogDropped()
		return false
	}
	select {
	case r.queue <- entry:
		return true
	default:
		r.metrics.RecordQueryLogDropped()
		r.logger.Warn("Query log queue full, dropping entry", "queue_size", r.cfg.QueueSize)
		return false
	}
}

// Close stops accepting entries and waits for the queue to drain.
//
// # Outputs
//
//   - error: ctx.Err() when the drain did not finish in time. Remaining
//     entries keep draining in the background.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("query log drain: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		for _, sink := range r.sinks {
			r.write(sink, entry)
		}
	}
}

func (r *Recorder) write(sink Sink, entry datatypes.QueryLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()
	if err := sink.Write(ctx, entry); err != nil {
		r.metrics.RecordQueryLogSinkError(sink.Name())
		r.logger.Warn("Query log sink write failed", "sink", sink.Name(), "entry_id", entry.ID, "error", err)
	}
}
