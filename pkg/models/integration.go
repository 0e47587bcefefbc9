package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type IntegrationType string

const (
	IntegrationTypeAccounting    IntegrationType = "accounting"
	IntegrationTypeCRM           IntegrationType = "crm"
	IntegrationTypePayroll       IntegrationType = "payroll"
	IntegrationTypeBanking       IntegrationType = "banking"
	IntegrationTypeDataWarehouse IntegrationType = "data_warehouse"
	IntegrationTypeCustom        IntegrationType = "custom"
)

type Provider string

const (
	ProviderQuickBooks Provider = "quickbooks"
	ProviderXero       Provider = "xero"
	ProviderSalesforce Provider = "salesforce"
	ProviderHubSpot    Provider = "hubspot"
	ProviderStripe     Provider = "stripe"
	ProviderGusto      Provider = "gusto"
	ProviderBigQuery   Provider = "bigquery"
	ProviderCustom     Provider = "custom"
)

// ConnectionStatus is the integration's connection state. Only the sync engine moves an
// integration through syncing.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusSyncing      ConnectionStatus = "syncing"
	StatusError        ConnectionStatus = "error"
)

type SyncFrequency string

const (
	FrequencyRealtime SyncFrequency = "realtime"
	FrequencyHourly   SyncFrequency = "hourly"
	FrequencyDaily    SyncFrequency = "daily"
	FrequencyWeekly   SyncFrequency = "weekly"
	FrequencyMonthly  SyncFrequency = "monthly"
)

// Interval is the approximate gap between scheduled syncs. Unknown frequencies sync daily.
func (f SyncFrequency) Interval() time.Duration {
	switch f {
	case FrequencyRealtime:
		return time.Minute
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// NextSyncAt is from plus the frequency interval.
func NextSyncAt(from time.Time, frequency SyncFrequency) time.Time {
	return from.Add(frequency.Interval())
}

type SyncStatus string

const (
	SyncStatusActive SyncStatus = "active"
	SyncStatusPaused SyncStatus = "paused"
	SyncStatusError  SyncStatus = "error"
)

const DefaultEntityID = "default"

// FieldMapping copies source_field to target_field, optionally through a transformation.
type FieldMapping struct {
	SourceField    string `json:"source_field" validate:"required"`
	TargetField    string `json:"target_field" validate:"required"`
	Transformation string `json:"transformation,omitempty"`
	DefaultValue   any    `json:"default_value,omitempty"`
}

// DataSync is the sync bookkeeping stored on the integration row.
type DataSync struct {
	LastSyncAt       *time.Time    `db:"last_sync_at" json:"last_sync_at,omitempty"`
	NextSyncAt       *time.Time    `db:"next_sync_at" json:"next_sync_at,omitempty"`
	SyncFrequency    SyncFrequency `db:"sync_frequency" json:"sync_frequency"`
	SyncStatus       SyncStatus    `db:"sync_status" json:"sync_status"`
	RecordsProcessed int64         `db:"records_processed" json:"records_processed"`
	RecordsFailed    int64         `db:"records_failed" json:"records_failed"`
	ErrorMessage     *string       `db:"error_message" json:"error_message,omitempty"`
}

// Integration is one connected external account owned by a tenant.
type Integration struct {
	ID            uuid.UUID                      `db:"id" json:"id"`
	TenantID      uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	EntityID      string                         `db:"entity_id" json:"entity_id"`
	Name          string                         `db:"name" json:"name"`
	Type          IntegrationType                `db:"type" json:"type"`
	Provider      Provider                       `db:"provider" json:"provider"`
	Status        ConnectionStatus               `db:"status" json:"status"`
	Config        database.JSONB[map[string]any] `db:"config" json:"-"`
	FieldMappings database.JSONB[[]FieldMapping] `db:"field_mappings" json:"field_mappings"`
	DataSync      `json:"data_sync"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

func (Integration) TableName() string {
	return "integrations"
}

// Mappings returns the declared field mappings.
func (i *Integration) Mappings() []FieldMapping {
	return i.FieldMappings.Data
}

// ConfigValues returns the opaque connector config.
func (i *Integration) ConfigValues() map[string]any {
	if i.Config.Data == nil {
		return map[string]any{}
	}
	return i.Config.Data
}

// IntegrationFilter narrows integration listings.
type IntegrationFilter struct {
	Type     IntegrationType
	Status   ConnectionStatus
	Provider Provider
}
