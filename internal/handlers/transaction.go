package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

const (
	defaultTransactionLimit = 100
	maxTransactionLimit     = 1000
)

type TransactionHandler struct {
	repo repositories.TransactionRepo
}

func NewTransactionHandler(repo repositories.TransactionRepo) *TransactionHandler {
	return &TransactionHandler{repo: repo}
}

type TransactionListResponse struct {
	Transactions []models.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

func (h *TransactionHandler) RegisterRoutes(g *echo.Group) {
	group := g.Group("/transactions")
	group.GET("", h.List)
	group.GET("/:transactionId", h.Get)
}

// List handles GET /transactions?integration_id=&entity_id=&limit=&offset=
func (h *TransactionHandler) List(c echo.Context) error {
	var filter models.TransactionFilter
	var err error

	if raw := c.QueryParam("integration_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return BadRequest("invalid integration_id: must be a valid UUID")
		}
		filter.IntegrationID = &id
	}
	filter.EntityID = c.QueryParam("entity_id")
	if filter.Limit, err = QueryInt(c, "limit", defaultTransactionLimit); err != nil {
		return err
	}
	filter.Limit = min(max(filter.Limit, 1), maxTransactionLimit)
	if filter.Offset, err = QueryInt(c, "offset", 0); err != nil {
		return err
	}

	transactions, err := h.repo.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}

	return SuccessResponse(c, TransactionListResponse{
		Transactions: transactions,
		Count:        len(transactions),
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
}

// Get handles GET /transactions/:transactionId (the source system's id).
func (h *TransactionHandler) Get(c echo.Context) error {
	transactionID := c.Param("transactionId")
	if transactionID == "" {
		return BadRequest("missing transactionId")
	}

	transaction, err := h.repo.GetByTransactionID(c.Request().Context(), transactionID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, transaction)
}
