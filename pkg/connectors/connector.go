// Package connectors defines the contract every provider connector satisfies and the
// registry the sync engine resolves them from.
package connectors

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Data types a connector may be asked for.
const (
	DataTypeTransactions = "transactions"
	DataTypeAccounts     = "accounts"
	DataTypeCustomers    = "customers"
	DataTypeVendors      = "vendors"
)

var (
	ErrNotConnected  = errors.New("connector is not connected")
	ErrInvalidConfig = errors.New("invalid connector config")
)

// FetchParams selects records updated in [StartDate, EndDate). Limit <= 0 means no limit.
type FetchParams struct {
	DataType  string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
}

// Connector talks to one external system for the duration of a sync.
type Connector interface {
	// Connect establishes session state from the integration config. It may be called
	// again after Disconnect.
	Connect(ctx context.Context, config map[string]any) (bool, error)
	// Disconnect clears session state.
	Disconnect(ctx context.Context)
	// TestConnection is a non-destructive liveness probe.
	TestConnection(ctx context.Context) bool
	FetchData(ctx context.Context, params FetchParams) ([]record.Record, error)
	TransformData(ctx context.Context, records []record.Record, mappings []models.FieldMapping) []record.Record
}

// Base carries the behavior shared by every connector. Embed it and shadow methods as
// needed.
type Base struct {
	Name     string
	Type     models.IntegrationType
	Provider models.Provider
	Mapper   *mapping.Mapper
}

func (b *Base) TransformData(ctx context.Context, records []record.Record, mappings []models.FieldMapping) []record.Record {
	return b.Mapper.Transform(ctx, records, mappings)
}

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// DecodeConfig reads an integration config blob into T and validates it. camelCase keys
// are accepted for snake_case fields when the snake_case key is absent.
func DecodeConfig[T any](config map[string]any) (T, error) {
	normalized := make(map[string]any, len(config))
	for k, v := range config {
		normalized[k] = v
	}
	for k, v := range config {
		snake := strings.ToLower(camelBoundary.ReplaceAllString(k, "${1}_${2}"))
		if _, exists := normalized[snake]; !exists {
			normalized[snake] = v
		}
	}

	out, err := utils.ValidateArguments[T](normalized)
	if err != nil {
		var zero T
		return zero, errors.Join(ErrInvalidConfig, err)
	}
	return out, nil
}
