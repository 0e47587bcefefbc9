package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// probeTimeout bounds a connection test.
const probeTimeout = 30 * time.Second

// Syncer runs a sync for the tenant in ctx.
type Syncer interface {
	SyncIntegration(ctx context.Context, integrationID uuid.UUID) (*models.SyncResult, error)
}

type IntegrationHandler struct {
	repo     repositories.IntegrationRepo
	registry *connectors.Registry
	mapper   *mapping.Mapper
	syncer   Syncer
	logger   ectologger.Logger
}

func NewIntegrationHandler(
	repo repositories.IntegrationRepo,
	registry *connectors.Registry,
	mapper *mapping.Mapper,
	syncer Syncer,
	logger ectologger.Logger,
) *IntegrationHandler {
	return &IntegrationHandler{
		repo:     repo,
		registry: registry,
		mapper:   mapper,
		syncer:   syncer,
		logger:   logger,
	}
}

type CreateIntegrationRequest struct {
	Name          string                 `json:"name" validate:"required"`
	Type          models.IntegrationType `json:"type" validate:"required,oneof=accounting crm payroll banking data_warehouse custom"`
	Provider      models.Provider        `json:"provider" validate:"required"`
	EntityID      string                 `json:"entity_id"`
	Config        map[string]any         `json:"config"`
	FieldMappings []models.FieldMapping  `json:"field_mappings" validate:"dive"`
	SyncFrequency models.SyncFrequency   `json:"sync_frequency" validate:"omitempty,oneof=realtime hourly daily weekly monthly"`
	// Test probes the connection before saving; a passing probe stores the integration
	// as connected.
	Test bool `json:"test"`
}

type UpdateIntegrationRequest struct {
	Name          *string                `json:"name,omitempty" validate:"omitempty,min=1"`
	EntityID      *string                `json:"entity_id,omitempty" validate:"omitempty,min=1"`
	Config        map[string]any         `json:"config,omitempty"`
	FieldMappings *[]models.FieldMapping `json:"field_mappings,omitempty" validate:"omitempty,dive"`
	SyncFrequency *models.SyncFrequency  `json:"sync_frequency,omitempty" validate:"omitempty,oneof=realtime hourly daily weekly monthly"`
	SyncStatus    *models.SyncStatus     `json:"sync_status,omitempty" validate:"omitempty,oneof=active paused"`
}

type TestConnectionResponse struct {
	Success bool                    `json:"success"`
	Status  models.ConnectionStatus `json:"status"`
	Message string                  `json:"message,omitempty"`
}

func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("", h.Create)
	integrations.GET("", h.List)
	integrations.GET("/:id", h.Get)
	integrations.PUT("/:id", h.Update)
	integrations.DELETE("/:id", h.Delete)
	integrations.POST("/:id/test", h.Test)
	integrations.POST("/:id/sync", h.Sync)
}

// Create handles POST /integrations
func (h *IntegrationHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[CreateIntegrationRequest](c)
	if err != nil {
		return err
	}
	if !h.registry.Has(req.Provider) {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "provider %s is not supported", req.Provider)
	}
	if err := h.validateMappings(req.FieldMappings); err != nil {
		return err
	}

	integration := &models.Integration{
		ID:            uuid.New(),
		Name:          req.Name,
		Type:          req.Type,
		Provider:      req.Provider,
		EntityID:      req.EntityID,
		Status:        models.StatusDisconnected,
		Config:        database.NewJSONB(req.Config),
		FieldMappings: database.NewJSONB(req.FieldMappings),
	}
	integration.SyncFrequency = req.SyncFrequency

	if req.Test {
		if ok, _ := h.probe(ctx, integration); ok {
			integration.Status = models.StatusConnected
		}
	}

	if err := h.repo.Create(ctx, integration); err != nil {
		return err
	}
	return CreatedResponse(c, integration)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	filter := models.IntegrationFilter{
		Type:     models.IntegrationType(c.QueryParam("type")),
		Status:   models.ConnectionStatus(c.QueryParam("status")),
		Provider: models.Provider(c.QueryParam("provider")),
	}

	integrations, err := h.repo.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, integrations)
}

// Get handles GET /integrations/:id
func (h *IntegrationHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, integration)
}

// Update handles PUT /integrations/:id
func (h *IntegrationHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[UpdateIntegrationRequest](c)
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if req.Name != nil {
		integration.Name = *req.Name
	}
	if req.EntityID != nil {
		integration.EntityID = *req.EntityID
	}
	if req.Config != nil {
		integration.Config = database.NewJSONB(req.Config)
	}
	if req.FieldMappings != nil {
		if err := h.validateMappings(*req.FieldMappings); err != nil {
			return err
		}
		integration.FieldMappings = database.NewJSONB(*req.FieldMappings)
	}
	if req.SyncFrequency != nil && *req.SyncFrequency != integration.SyncFrequency {
		integration.SyncFrequency = *req.SyncFrequency
		if integration.LastSyncAt != nil {
			next := models.NextSyncAt(*integration.LastSyncAt, integration.SyncFrequency)
			integration.NextSyncAt = &next
		}
	}
	if req.SyncStatus != nil {
		integration.SyncStatus = *req.SyncStatus
	}

	if err := h.repo.Update(ctx, integration); err != nil {
		return err
	}
	return SuccessResponse(c, integration)
}

// Delete handles DELETE /integrations/:id
func (h *IntegrationHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.repo.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// Test handles POST /integrations/:id/test. The result is stored as the integration's
// connection status unless a sync is running.
func (h *IntegrationHandler) Test(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	ok, probeErr := h.probe(ctx, integration)
	resp := TestConnectionResponse{Success: ok, Status: models.StatusConnected}
	if !ok {
		resp.Status = models.StatusError
		if probeErr != nil {
			resp.Message = probeErr.Error()
		}
	}

	if integration.Status != models.StatusSyncing {
		if err := h.repo.SetStatus(ctx, id, resp.Status); err != nil {
			return err
		}
	} else {
		resp.Status = models.StatusSyncing
	}
	return SuccessResponse(c, resp)
}

// Sync handles POST /integrations/:id/sync
func (h *IntegrationHandler) Sync(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	result, err := h.syncer.SyncIntegration(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// probe connects, runs the connector's liveness check and disconnects.
func (h *IntegrationHandler) probe(ctx context.Context, integration *models.Integration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationHandler.probe")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	connector, err := h.registry.New(integration)
	if err != nil {
		return false, err
	}
	defer connector.Disconnect(ctx)

	connected, err := connector.Connect(ctx, integration.ConfigValues())
	if err != nil || !connected {
		if err == nil {
			err = errors.New("connector refused the configuration")
		}
		h.logger.WithContext(ctx).WithError(err).Warnf("Connection test failed for %s integration %s", integration.Provider, integration.ID)
		return false, err
	}

	if !connector.TestConnection(ctx) {
		return false, fmt.Errorf("%s did not answer the connection test", integration.Provider)
	}
	return true, nil
}

func (h *IntegrationHandler) validateMappings(mappings []models.FieldMapping) error {
	for i, m := range mappings {
		if err := h.mapper.Validate(m); err != nil {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "field_mappings[%d]: invalid transformation: %v", i, err)
		}
	}
	return nil
}
