package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/redis"
)

// DeadLetterStore is the dead letter stream. *redis.DeadLetterQueue satisfies it.
type DeadLetterStore interface {
	ListByTenant(ctx context.Context, tenantID string, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Delete(ctx context.Context, messageID string) error
	Retry(ctx context.Context, messageID string, jobQueue redis.JobPublisher, queueName string) (*redis.DLQEntry, error)
}

// DLQHandler exposes the calling tenant's dead-lettered sync jobs.
type DLQHandler struct {
	dlq       DeadLetterStore
	publisher redis.JobPublisher
	jobQueue  string
	logger    ectologger.Logger
}

func NewDLQHandler(dlq DeadLetterStore, publisher redis.JobPublisher, jobQueue string, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{
		dlq:       dlq,
		publisher: publisher,
		jobQueue:  jobQueue,
		logger:    logger,
	}
}

type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/sync/dlq")
	dlq.GET("", h.List)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}

// List handles GET /sync/dlq?count=
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	count, err := QueryInt(c, "count", 100)
	if err != nil {
		return err
	}

	entries, err := h.dlq.ListByTenant(ctx, tenantID.String(), int64(count))
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list DLQ entries")
		return err
	}
	return SuccessResponse(c, DLQListResponse{Entries: entries, Count: len(entries)})
}

func (h *DLQHandler) Get(c echo.Context) error {
	entry, err := h.owned(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entry)
}

// Retry handles POST /sync/dlq/:id/retry
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	entry, err := h.owned(c)
	if err != nil {
		return err
	}

	if _, err := h.dlq.Retry(ctx, entry.MessageID, h.publisher, h.jobQueue); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to retry DLQ entry")
		return err
	}
	return SuccessResponse(c, map[string]string{
		"status":         "retried",
		"integration_id": entry.IntegrationID,
	})
}

func (h *DLQHandler) Delete(c echo.Context) error {
	entry, err := h.owned(c)
	if err != nil {
		return err
	}
	if err := h.dlq.Delete(c.Request().Context(), entry.MessageID); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// owned loads the entry named by :id. Entries of other tenants are reported as missing.
func (h *DLQHandler) owned(c echo.Context) (*redis.DLQEntry, error) {
	tenantID, err := GetTenantID(c)
	if err != nil {
		return nil, err
	}

	messageID := c.Param("id")
	entry, err := h.dlq.Get(c.Request().Context(), messageID)
	if errors.Is(err, redis.ErrDLQEntryNotFound) || (err == nil && entry.TenantID != tenantID.String()) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "DLQ entry %s not found", messageID)
	}
	if err != nil {
		return nil, err
	}
	entry.MessageID = messageID
	return entry, nil
}
