// Package handlers holds the echo HTTP handlers of the dispatch API.
package handlers

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/dispatch/pkg/tenant"
)

// ParseUUID parses a UUID from a path parameter
func ParseUUID(c echo.Context, param string) (uuid.UUID, error) {
	idStr := c.Param(param)
	if idStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", param)
	}

	return id, nil
}

// Organization returns the :org path parameter after checking it is a valid tenant slug
func Organization(c echo.Context) (string, error) {
	org := c.Param("org")
	if _, err := tenant.SchemaName(org); err != nil {
		return "", httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid organization %q", org)
	}
	return org, nil
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func AcceptedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusAccepted, data)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func NotFound(message string) error {
	return httperror.NewHTTPError(http.StatusNotFound, message)
}
