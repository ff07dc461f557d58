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
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

// =============================================================================
// Store sink
// =============================================================================

// StoreSink appends entries to the cache store's query log, which backs
// the statistics endpoint.
type StoreSink struct {
	store store.CacheStore
}

var _ Sink = (*StoreSink)(nil)

// NewStoreSink wraps s.
func NewStoreSink(s store.CacheStore) *StoreSink { return &StoreSink{store: s} }

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, entry datatypes.QueryLogEntry) error {
	return s.store.AppendQueryLog(ctx, entry)
}

// =============================================================================
// InfluxDB sink
// =============================================================================

const influxMeasurement = "calomr_queries"

// InfluxConfig locates the InfluxDB bucket.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// InfluxSink writes one point per entry for latency and hit-rate dashboards.
//
// Tags: subject, source, cache_hit, error_kind. Fields: response_time_ms,
// similarity, question_id.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

var _ Sink = (*InfluxSink)(nil)

// NewInfluxSink creates a blocking-write client for cfg.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("influxdb url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb org and bucket are required (org=%q bucket=%q)", cfg.Org, cfg.Bucket)
	}
	client := influxdb2.NewClient(strings.TrimSuffix(cfg.URL, "/"), cfg.Token)
	return &InfluxSink{client: client, writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket)}, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Write(ctx context.Context, entry datatypes.QueryLogEntry) error {
	errorKind := entry.ErrorKind
	if errorKind == "" {
		errorKind = "none"
	}
	p := influxdb2.NewPointWithMeasurement(influxMeasurement).
		AddTag("subject", string(entry.Subject)).
		AddTag("source", string(entry.Source)).
		AddTag("cache_hit", fmt.Sprintf("%t", entry.CacheHit)).
		AddTag("error_kind", errorKind).
		AddField("response_time_ms", entry.ResponseTimeMs).
		AddField("similarity", entry.Similarity).
		AddField("question_id", entry.QuestionID).
		SetTime(entry.CreatedAt)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client's connections.
func (s *InfluxSink) Close() {
	s.client.Close()
}
