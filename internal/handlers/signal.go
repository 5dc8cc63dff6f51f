package handlers

import (
	"context"
	"io"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

// maxSignalBody caps request bodies for signal intake
const maxSignalBody = 1 << 20

type Ingestor interface {
	Ingest(ctx context.Context, org string, payload *models.SignalPayload) (*models.SignalInstance, error)
}

// SignalHandler accepts signals over HTTP; they join the same backlog as queued ones
type SignalHandler struct {
	ingestor Ingestor
	logger   ectologger.Logger
}

func NewSignalHandler(ingestor Ingestor, logger ectologger.Logger) *SignalHandler {
	return &SignalHandler{ingestor: ingestor, logger: logger}
}

// Register mounts the routes on an /organizations/:org group
func (h *SignalHandler) Register(g *echo.Group) {
	g.POST("/signals", h.Ingest)
}

// Ingest stores one signal payload
// POST /api/v1/organizations/:org/signals
func (h *SignalHandler) Ingest(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "signal_handler.Ingest")
	defer span.End()

	org, err := Organization(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxSignalBody))
	if err != nil {
		return BadRequest("failed to read request body")
	}

	payload, err := models.DecodePayload(body)
	if err != nil {
		return BadRequest(err.Error())
	}

	instance, err := h.ingestor.Ingest(ctx, org, payload)
	if err != nil {
		return err
	}

	return AcceptedResponse(c, instance)
}
