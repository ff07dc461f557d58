// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the pipeline over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shaniya-v/CalOmr/services/solver/datatypes"
	"github.com/shaniya-v/CalOmr/services/solver/store"
)

// maxBodyBytes bounds request bodies. A batch of 100 maximal questions
// fits comfortably.
const maxBodyBytes = 8 << 20

// Solver is the pipeline surface the handlers need.
type Solver interface {
	SolveOne(ctx context.Context, q datatypes.ParsedQuestion, verify bool) (datatypes.SolveOutcome, error)
	SolveMany(ctx context.Context, qs []datatypes.ParsedQuestion, verify bool) (datatypes.BatchOutcome, error)
	GetStats(ctx context.Context) (datatypes.Stats, error)
	GetQuestion(ctx context.Context, id string) (*datatypes.Question, error)
}

// SolveRequest is the body of POST /v1/solve.
type SolveRequest struct {
	Question *datatypes.ParsedQuestion `json:"question" binding:"required"`
	Verify   bool                      `json:"verify"`
}

// BatchRequest is the body of POST /v1/solve/batch.
type BatchRequest struct {
	Questions []datatypes.ParsedQuestion `json:"questions" binding:"required"`
	Verify    bool                       `json:"verify"`
}

// HandleSolve answers one question.
func HandleSolve(svc Solver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		var req SolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Invalid solve request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}

		out, err := svc.SolveOne(c.Request.Context(), *req.Question, req.Verify)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleSolveBatch answers a list of questions. Per-question failures are
// reported in the body with status 200.
func HandleSolveBatch(svc Solver) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		var req BatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Invalid batch request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
			return
		}

		out, err := svc.SolveMany(c.Request.Context(), req.Questions, req.Verify)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// HandleStats returns cache statistics.
func HandleStats(svc Solver) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.GetStats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// HandleGetQuestion returns one stored question by id.
func HandleGetQuestion(svc Solver) gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := svc.GetQuestion(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		q.Embedding = nil
		c.JSON(http.StatusOK, q)
	}
}

// =============================================================================
// Errors
// =============================================================================

// StatusFor maps a pipeline error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, datatypes.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, datatypes.ErrSolveFailed):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	body := gin.H{"error": err.Error()}
	if kind := datatypes.KindName(err); kind != "" && kind != "internal" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}
