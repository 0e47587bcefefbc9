// Package handlers implements the REST API.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
)

// ParseUUID parses a UUID path parameter.
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

// GetTenantID reads the authenticated tenant.
func GetTenantID(c echo.Context) (uuid.UUID, error) {
	tenantIDStr := appctx.GetTenantID(c.Request().Context())
	if tenantIDStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "invalid authentication token")
	}
	return tenantID, nil
}

// QueryInt reads a non-negative integer query parameter, falling back to def.
func QueryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, BadRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}
