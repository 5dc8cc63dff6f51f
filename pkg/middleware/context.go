package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/dispatch/pkg/context"
)

const (
	// HeaderUserID is trusted only when authentication is disabled
	HeaderUserID = "X-User-ID"
	// HeaderUserEmail is trusted only when authentication is disabled
	HeaderUserEmail = "X-User-Email"
)

// Context seeds the request context with the request id and, when trustHeaders
// is set, the user identity headers.
func Context(trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := appctx.SetRequestID(req.Context(), requestID)
			if trustHeaders {
				ctx = appctx.SetUserID(ctx, req.Header.Get(HeaderUserID))
				ctx = appctx.SetUserEmail(ctx, req.Header.Get(HeaderUserEmail))
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
