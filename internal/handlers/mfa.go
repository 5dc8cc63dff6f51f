package handlers

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/dispatch/pkg/mfa"
	"github.com/Ramsey-B/dispatch/pkg/models"
	"github.com/Ramsey-B/dispatch/pkg/tracing"
)

type ChallengeCompleter interface {
	Verify(ctx context.Context, id, token string) (string, error)
	Complete(ctx context.Context, id, token string, approve bool) (models.MFAStatus, error)
}

type MFAResponse struct {
	ChallengeID string           `json:"challenge_id"`
	Status      models.MFAStatus `json:"status"`
}

var confirmPage = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><meta name="robots" content="noindex"><title>Confirm engagement</title></head>
<body>
<p>Confirm the engagement response for {{.User}}.</p>
<form method="post">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit" name="decision" value="approve">Approve</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>
`))

type MFAHandler struct {
	completer ChallengeCompleter
	logger    ectologger.Logger
}

func NewMFAHandler(completer ChallengeCompleter, logger ectologger.Logger) *MFAHandler {
	return &MFAHandler{completer: completer, logger: logger}
}

func (h *MFAHandler) Register(g *echo.Group) {
	g.GET("/:challenge", h.Confirm)
	g.POST("/:challenge", h.Complete)
}

func challengeError(err error) error {
	switch {
	case errors.Is(err, mfa.ErrInvalidToken):
		return httperror.NewHTTPError(http.StatusUnauthorized, "invalid or expired challenge token")
	case errors.Is(err, mfa.ErrChallengeUnknown):
		return NotFound("challenge not found")
	case errors.Is(err, mfa.ErrChallengeClosed):
		return httperror.NewHTTPError(http.StatusConflict, "challenge already completed")
	}
	return err
}

// Confirm is the target of the link sent with an MFA challenge. It only checks the
// token and renders the approve or deny form, so fetching the link answers nothing.
// The signed token is the credential, so the routes sit outside authentication.
// GET /api/v1/mfa/:challenge?token=...
func (h *MFAHandler) Confirm(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "mfa_handler.Confirm")
	defer span.End()

	token := c.QueryParam("token")
	if token == "" {
		return BadRequest("missing token")
	}

	user, err := h.completer.Verify(ctx, c.Param("challenge"), token)
	if err != nil {
		return challengeError(err)
	}

	var page bytes.Buffer
	if err := confirmPage.Execute(&page, map[string]string{"User": user, "Token": token}); err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTMLBlob(http.StatusOK, page.Bytes())
}

// Complete records the decision submitted from the confirm form
// POST /api/v1/mfa/:challenge (token, decision=approve|deny)
func (h *MFAHandler) Complete(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "mfa_handler.Complete")
	defer span.End()

	id := c.Param("challenge")
	token := c.FormValue("token")
	if token == "" {
		return BadRequest("missing token")
	}

	var approve bool
	switch models.EngagementDecision(c.FormValue("decision")) {
	case models.EngagementDecisionApprove:
		approve = true
	case models.EngagementDecisionDeny:
		approve = false
	default:
		return BadRequest("decision must be approve or deny")
	}

	status, err := h.completer.Complete(ctx, id, token, approve)
	if err != nil {
		return challengeError(err)
	}

	return SuccessResponse(c, MFAResponse{ChallengeID: id, Status: status})
}
