// Package middleware holds the echo middleware shared by the API server.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// Context assigns the request id and echoes it back on the response.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := appctx.SetRequestID(req.Context(), requestID)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// HeaderAuth trusts X-Tenant-ID and X-User-ID. It stands in for Authentication when
// AUTH_ENABLED=false and must not be used in production.
func HeaderAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if tenantID := c.Request().Header.Get(HeaderTenantID); tenantID != "" {
				ctx = appctx.SetTenantID(ctx, tenantID)
			}
			if userID := c.Request().Header.Get(HeaderUserID); userID != "" {
				ctx = appctx.SetUserID(ctx, userID)
			}

			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
