package handlers

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/dispatch/pkg/pipeline"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type Processor interface {
	Process(ctx context.Context, org string, instanceID uuid.UUID) (*pipeline.Outcome, error)
}

type InstanceHandler struct {
	processor Processor
	logger    ectologger.Logger
}

func NewInstanceHandler(processor Processor, logger ectologger.Logger) *InstanceHandler {
	return &InstanceHandler{processor: processor, logger: logger}
}

func (h *InstanceHandler) Register(g *echo.Group) {
	g.POST("/signal-instances/:id/process", h.Process)
}

// Process runs the pipeline for one instance without waiting for the scheduler
// POST /api/v1/organizations/:org/signal-instances/:id/process
func (h *InstanceHandler) Process(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "instance_handler.Process")
	defer span.End()

	org, err := Organization(c)
	if err != nil {
		return err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	outcome, err := h.processor.Process(ctx, org, id)
	if errors.Is(err, pipeline.ErrInstanceNotFound) {
		return NotFound("signal instance not found")
	}
	if err != nil {
		return err
	}

	return SuccessResponse(c, outcome)
}
