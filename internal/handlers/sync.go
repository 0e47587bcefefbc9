package handlers

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type SyncHandler struct {
	repo      repositories.IntegrationRepo
	syncer    Syncer
	publisher queue.Publisher
	jobQueue  string
	logger    ectologger.Logger
}

// NewSyncHandler serves manual syncs. publisher may be nil, in which case only
// synchronous syncs are accepted.
func NewSyncHandler(repo repositories.IntegrationRepo, syncer Syncer, publisher queue.Publisher, jobQueue string, logger ectologger.Logger) *SyncHandler {
	return &SyncHandler{
		repo:      repo,
		syncer:    syncer,
		publisher: publisher,
		jobQueue:  jobQueue,
		logger:    logger,
	}
}

type SyncRequest struct {
	IntegrationID string `json:"integration_id" validate:"required,uuid"`
	// Async queues the sync for a worker instead of running it in the request.
	Async bool `json:"async"`
}

type SyncQueuedResponse struct {
	Queued        bool   `json:"queued"`
	IntegrationID string `json:"integration_id"`
	MessageID     string `json:"message_id"`
}

func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/sync", h.Sync)
}

// Sync handles POST /sync
func (h *SyncHandler) Sync(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[SyncRequest](c)
	if err != nil {
		return err
	}
	integrationID := uuid.MustParse(req.IntegrationID)

	if !req.Async {
		result, err := h.syncer.SyncIntegration(ctx, integrationID)
		if err != nil {
			return err
		}
		return SuccessResponse(c, result)
	}

	if h.publisher == nil {
		return BadRequest("asynchronous syncs are not available")
	}
	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}
	if _, err := h.repo.GetByID(ctx, integrationID); err != nil {
		return err
	}

	messageID, err := queue.EnqueueSync(ctx, h.publisher, h.jobQueue, tenantID, integrationID)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue sync of %s", integrationID)
		return errors.New("failed to enqueue sync")
	}
	return c.JSON(http.StatusAccepted, SyncQueuedResponse{
		Queued:        true,
		IntegrationID: integrationID.String(),
		MessageID:     messageID,
	})
}
