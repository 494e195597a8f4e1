package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/skin-metrics/internal/domain"
	"github.com/example/skin-metrics/internal/usecase"
)

// DefaultMaxBodyBytes bounds a request body when no limit is configured.
const DefaultMaxBodyBytes = 10 << 20

// Diagnoser produces a diagnosis from a data-URI payload.
type Diagnoser interface {
	Diagnose(ctx context.Context, payload string) (*domain.DiagnosisRecord, error)
}

// Recommender composes a recommendation from a diagnosis and feature flags.
type Recommender interface {
	Recommend(ctx context.Context, tone int, skinType string, features domain.Features) (*domain.RecommendationResult, error)
}

// MetricsReporter summarises the inference audit log.
type MetricsReporter interface {
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Services groups everything the routes call into. Metrics may be nil.
type Services struct {
	Diagnoser   Diagnoser
	Recommender Recommender
	Metrics     MetricsReporter
	// Convention names the calling convention the models were loaded with.
	Convention string
}

type uploadRequest struct {
	File string `json:"file" binding:"required"`
}

type recommendRequest struct {
	Tone     json.RawMessage  `json:"tone" binding:"required"`
	Type     string           `json:"type" binding:"required"`
	Features *domain.Features `json:"features" binding:"required"`
}

// decodeTone coerces tone with the same rules as feature flags, so "3.7" as a string is
// rejected while the number 3.7 truncates to 3.
func decodeTone(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return 0, err
	}
	return usecase.CoerceLevel(value)
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Services) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "convention": svc.Convention})
	})

	router.PUT("/upload", func(c *gin.Context) {
		var req uploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		record, err := svc.Diagnoser.Diagnose(c.Request.Context(), req.File)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, record)
	})

	router.PUT("/recommend", func(c *gin.Context) {
		var req recommendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBindError(c, err)
			return
		}

		tone, err := decodeTone(req.Tone)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%v: tone: %v", domain.ErrValidation, err)})
			return
		}

		result, err := svc.Recommender.Recommend(c.Request.Context(), tone, req.Type, *req.Features)
		if err != nil {
			_ = c.Error(err)
			status := http.StatusInternalServerError
			if domain.IsClientError(err) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	router.GET("/metrics", func(c *gin.Context) {
		if svc.Metrics == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": usecase.ErrAuditDisabled.Error()})
			return
		}

		summary, err := svc.Metrics.GetMetricsSummary(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			if errors.Is(err, usecase.ErrAuditDisabled) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}

		c.JSON(http.StatusOK, summary)
	})
}

func respondBindError(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
