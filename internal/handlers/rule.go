package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/rules"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type RuleHandler struct {
	repo     repositories.RuleRepo
	formulas *expressions.Formulas
}

func NewRuleHandler(repo repositories.RuleRepo, formulas *expressions.Formulas) *RuleHandler {
	return &RuleHandler{
		repo:     repo,
		formulas: formulas,
	}
}

type RuleRequest struct {
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	EntityID    *string            `json:"entity_id,omitempty"`
	RuleType    models.RuleType    `json:"rule_type" validate:"required"`
	Priority    int                `json:"priority"`
	Conditions  []models.Condition `json:"conditions" validate:"dive"`
	Actions     []models.Action    `json:"actions" validate:"required,dive"`
	IsActive    *bool              `json:"is_active,omitempty"`
}

func (r RuleRequest) apply(rule *models.AccountingRule) {
	rule.Name = r.Name
	rule.Description = r.Description
	rule.EntityID = r.EntityID
	rule.RuleType = r.RuleType
	rule.Priority = r.Priority
	if r.Conditions == nil {
		r.Conditions = []models.Condition{}
	}
	rule.Conditions = database.NewJSONB(r.Conditions)
	rule.Actions = database.NewJSONB(r.Actions)
	if r.IsActive != nil {
		rule.IsActive = *r.IsActive
	}
}

func (h *RuleHandler) RegisterRoutes(g *echo.Group) {
	group := g.Group("/rules")
	group.POST("", h.Create)
	group.GET("", h.List)
	group.GET("/:id", h.Get)
	group.PUT("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
}

// Create handles POST /rules. New rules are active unless is_active is false.
func (h *RuleHandler) Create(c echo.Context) error {
	req, err := utils.BindRequest[RuleRequest](c)
	if err != nil {
		return err
	}

	rule := &models.AccountingRule{ID: uuid.New(), IsActive: true}
	req.apply(rule)
	if err := h.validate(rule); err != nil {
		return err
	}

	if err := h.repo.Create(c.Request().Context(), rule); err != nil {
		return err
	}
	return CreatedResponse(c, rule)
}

// List handles GET /rules?rule_type=&active=
func (h *RuleHandler) List(c echo.Context) error {
	filter := models.RuleFilter{RuleType: models.RuleType(c.QueryParam("rule_type"))}
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return BadRequest("active must be true or false")
		}
		filter.Active = &active
	}

	list, err := h.repo.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return SuccessResponse(c, list)
}

func (h *RuleHandler) Get(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	rule, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

// Update handles PUT /rules/:id, replacing the rule definition. Counters are kept.
func (h *RuleHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[RuleRequest](c)
	if err != nil {
		return err
	}

	rule, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	req.apply(rule)
	if err := h.validate(rule); err != nil {
		return err
	}

	if err := h.repo.Update(ctx, rule); err != nil {
		return err
	}
	return SuccessResponse(c, rule)
}

func (h *RuleHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.repo.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return NoContentResponse(c)
}

func (h *RuleHandler) validate(rule *models.AccountingRule) error {
	if err := rules.Validate(*rule, h.formulas); err != nil {
		return httperror.WrapError(http.StatusBadRequest, err)
	}
	return nil
}
