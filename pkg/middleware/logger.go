package middleware

import (
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/dispatch/pkg/context"
)

// quietRoutes are polled by health checks and scrapers and log at debug
var quietRoutes = map[string]bool{
	"/health":  true,
	"/live":    true,
	"/ready":   true,
	"/metrics": true,
}

// Logger writes one line per request with the tenant and caller when known
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()

			fields := map[string]any{
				"request_id":    appctx.GetRequestID(ctx),
				"method":        req.Method,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"response_time": time.Since(start),
				"response_size": res.Size,
			}
			if org := c.Param("org"); org != "" {
				fields["tenant"] = org
			}
			if userID := appctx.GetUserID(ctx); userID != "" {
				fields["user_id"] = userID
			}
			if email := appctx.GetUserEmail(ctx); email != "" {
				fields["user_email"] = email
			}

			log := logger.WithContext(ctx).WithFields(fields)
			switch {
			case quietRoutes[c.Path()] && res.Status < http.StatusInternalServerError:
				log.Debug("Request")
			case res.Status >= http.StatusInternalServerError:
				log.Warn("Request failed")
			default:
				log.Info("Request")
			}

			return nil
		}
	}
}
