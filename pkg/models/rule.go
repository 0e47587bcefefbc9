package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

type RuleType string

const (
	RuleTypeJournalEntry            RuleType = "journal_entry"
	RuleTypeExpenseClassification   RuleType = "expense_classification"
	RuleTypeRevenueRecognition      RuleType = "revenue_recognition"
	RuleTypeIntercompanyElimination RuleType = "intercompany_elimination"
	RuleTypeConsolidation           RuleType = "consolidation"
)

var RuleTypes = []RuleType{
	RuleTypeJournalEntry, RuleTypeExpenseClassification, RuleTypeRevenueRecognition,
	RuleTypeIntercompanyElimination, RuleTypeConsolidation,
}

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
)

// Operators lists every operator the rule engine understands.
var Operators = []Operator{
	OperatorEquals, OperatorNotEquals, OperatorContains, OperatorStartsWith,
	OperatorEndsWith, OperatorGreaterThan, OperatorLessThan,
}

type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition compares the record value at Field with Value. LogicalOperator combines the
// result with everything evaluated before it.
type Condition struct {
	Field           string          `json:"field" validate:"required"`
	Operator        Operator        `json:"operator" validate:"required"`
	Value           any             `json:"value"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty"`
}

type ActionType string

const (
	ActionCategorize ActionType = "categorize"
	ActionTag        ActionType = "tag"
	ActionAllocate   ActionType = "allocate"
	ActionTransform  ActionType = "transform"
	ActionReject     ActionType = "reject"
)

var ActionTypes = []ActionType{ActionCategorize, ActionTag, ActionAllocate, ActionTransform, ActionReject}

type AllocationMethod string

const (
	AllocationPercentage AllocationMethod = "percentage"
	AllocationFixed      AllocationMethod = "fixed"
	AllocationDriver     AllocationMethod = "driver"
)

type Allocation struct {
	EntityID string  `json:"entity_id" validate:"required"`
	Value    float64 `json:"value"`
}

type AllocationRules struct {
	Method      AllocationMethod `json:"method" validate:"required,oneof=percentage fixed driver"`
	Allocations []Allocation     `json:"allocations" validate:"dive"`
}

// Action is applied to a record when every condition of its rule matches.
type Action struct {
	Type            ActionType       `json:"type" validate:"required"`
	TargetField     string           `json:"target_field,omitempty"`
	TargetValue     any              `json:"target_value,omitempty"`
	Formula         string           `json:"formula,omitempty"`
	AllocationRules *AllocationRules `json:"allocation_rules,omitempty"`
}

type AccountingRule struct {
	ID            uuid.UUID                   `db:"id" json:"id"`
	TenantID      uuid.UUID                   `db:"tenant_id" json:"tenant_id"`
	EntityID      *string                     `db:"entity_id" json:"entity_id,omitempty"`
	Name          string                      `db:"name" json:"name"`
	Description   string                      `db:"description" json:"description"`
	RuleType      RuleType                    `db:"rule_type" json:"rule_type"`
	Priority      int                         `db:"priority" json:"priority"`
	Conditions    database.JSONB[[]Condition] `db:"conditions" json:"conditions"`
	Actions       database.JSONB[[]Action]    `db:"actions" json:"actions"`
	IsActive      bool                        `db:"is_active" json:"is_active"`
	AppliedCount  int64                       `db:"applied_count" json:"applied_count"`
	LastAppliedAt *time.Time                  `db:"last_applied_at" json:"last_applied_at,omitempty"`
	CreatedAt     time.Time                   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                   `db:"updated_at" json:"updated_at"`
}

func (AccountingRule) TableName() string {
	return "accounting_rules"
}

type RuleFilter struct {
	RuleType RuleType
	Active   *bool
}
