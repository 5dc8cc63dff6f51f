package handlers

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/dispatch/pkg/context"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type Responder interface {
	Respond(ctx context.Context, org string, id uuid.UUID, decision models.EngagementDecision, actor string) (*models.SignalEngagementInstance, error)
}

type EngagementHandler struct {
	responder Responder
	logger    ectologger.Logger
}

func NewEngagementHandler(responder Responder, logger ectologger.Logger) *EngagementHandler {
	return &EngagementHandler{responder: responder, logger: logger}
}

func (h *EngagementHandler) Register(g *echo.Group) {
	g.POST("/engagements/:id/:decision", h.Respond)
}

// Respond records the engaged user's approve or deny answer. With MFA this blocks
// until the challenge completes or times out.
// POST /api/v1/organizations/:org/engagements/:id/:decision
func (h *EngagementHandler) Respond(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "engagement_handler.Respond")
	defer span.End()

	org, err := Organization(c)
	if err != nil {
		return err
	}
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	decision := models.EngagementDecision(c.Param("decision"))
	record, err := h.responder.Respond(ctx, org, id, decision, appctx.GetUserEmail(ctx))
	if err != nil {
		return err
	}

	return SuccessResponse(c, record)
}
