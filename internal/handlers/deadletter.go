package handlers

import (
	"context"
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/dispatch/pkg/redis"
)

type DeadLetterReader interface {
	List(ctx context.Context, count int64) ([]redis.DeadLetter, error)
	Count(ctx context.Context) (int64, error)
}

type DeadLetterListResponse struct {
	Entries []redis.DeadLetter `json:"entries"`
	Count   int                `json:"count"`
	Total   int64              `json:"total"`
}

type DeadLetterHandler struct {
	deadLetters DeadLetterReader
	logger      ectologger.Logger
}

func NewDeadLetterHandler(deadLetters DeadLetterReader, logger ectologger.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{deadLetters: deadLetters, logger: logger}
}

func (h *DeadLetterHandler) Register(g *echo.Group) {
	g.GET("/dead-letters", h.List)
}

// List returns the newest dropped signal envelopes
// GET /api/v1/dead-letters?count=100
func (h *DeadLetterHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	count := int64(100)
	if raw := c.QueryParam("count"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			count = parsed
		}
	}

	entries, err := h.deadLetters.List(ctx, count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list dead letters")
		return err
	}

	total, err := h.deadLetters.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to count dead letters")
	}

	return SuccessResponse(c, DeadLetterListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
	})
}
