// Package rules evaluates a tenant's accounting rules against mapped records.
//
// Every active rule is tried against every record in priority order; all matching rules
// apply, so a lower priority rule writing the same field wins.
package rules

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Fields the engine writes on a record.
const (
	FieldAppliedRules    = "appliedRules"
	FieldTags            = "tags"
	FieldAllocations     = "allocations"
	FieldRejected        = "_rejected"
	FieldRejectionReason = "_rejectionReason"
)

// Result is the processed records and how many records each rule applied to.
type Result struct {
	Records      []record.Record
	Applications map[uuid.UUID]int
}

type Engine struct {
	formulas *expressions.Formulas
	logger   ectologger.Logger
}

func NewEngine(formulas *expressions.Formulas, logger ectologger.Logger) *Engine {
	if formulas == nil {
		formulas = expressions.NewFormulas()
	}
	return &Engine{
		formulas: formulas,
		logger:   logger,
	}
}

// Apply runs the active rules over records. Input records are not modified.
func (e *Engine) Apply(ctx context.Context, records []record.Record, rules []models.AccountingRule) Result {
	ctx, span := tracing.StartSpan(ctx, "RuleEngine.Apply")
	defer span.End()

	ordered := Order(rules)
	result := Result{
		Records:      make([]record.Record, len(records)),
		Applications: map[uuid.UUID]int{},
	}

	for i, rec := range records {
		working := rec.Clone()
		if working == nil {
			working = record.Record{}
		}

		applied := []any{}
		for _, rule := range ordered {
			if !e.Matches(ctx, working, rule) {
				continue
			}
			for _, action := range rule.Actions.Data {
				e.applyAction(ctx, working, rule, action)
			}
			applied = append(applied, rule.ID.String())
			result.Applications[rule.ID]++
		}

		working[FieldAppliedRules] = applied
		result.Records[i] = working
	}

	if len(ordered) > 0 {
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"records": len(records),
			"rules":   len(ordered),
			"matched": len(result.Applications),
		}).Debug("Applied accounting rules")
	}
	return result
}

// Order keeps the active rules, highest priority first. Ties fall back to creation
// time, then id.
func Order(rules []models.AccountingRule) []models.AccountingRule {
	active := ectolinq.Filter(rules, func(r models.AccountingRule) bool {
		return r.IsActive
	})
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return active
}

// Matches folds the rule's conditions left to right. An inactive rule never matches and
// an empty condition list always does.
func (e *Engine) Matches(ctx context.Context, rec record.Record, rule models.AccountingRule) bool {
	if !rule.IsActive {
		return false
	}
	return EvaluateConditions(rec, rule.Conditions.Data)
}

// EvaluateConditions combines each condition with the accumulated result using that
// condition's own logical operator.
func EvaluateConditions(rec record.Record, conditions []models.Condition) bool {
	if len(conditions) == 0 {
		return true
	}

	result := evaluateCondition(rec, conditions[0])
	for _, condition := range conditions[1:] {
		matched := evaluateCondition(rec, condition)
		if strings.EqualFold(string(condition.LogicalOperator), string(models.LogicalOr)) {
			result = result || matched
		} else {
			result = result && matched
		}
	}
	return result
}

func evaluateCondition(rec record.Record, condition models.Condition) bool {
	value := rec.Lookup(condition.Field)
	expected := condition.Value

	switch condition.Operator {
	case models.OperatorEquals:
		return record.StrictEqual(value, expected)
	case models.OperatorNotEquals:
		return !record.StrictEqual(value, expected)
	case models.OperatorContains:
		return strings.Contains(record.ToString(value), record.ToString(expected))
	case models.OperatorStartsWith:
		return strings.HasPrefix(record.ToString(value), record.ToString(expected))
	case models.OperatorEndsWith:
		return strings.HasSuffix(record.ToString(value), record.ToString(expected))
	case models.OperatorGreaterThan:
		// NaN compares false either way
		return record.ToNumber(value) > record.ToNumber(expected)
	case models.OperatorLessThan:
		return record.ToNumber(value) < record.ToNumber(expected)
	default:
		return false
	}
}

func (e *Engine) applyAction(ctx context.Context, rec record.Record, rule models.AccountingRule, action models.Action) {
	switch action.Type {
	case models.ActionCategorize:
		if action.TargetField == "" {
			return
		}
		rec.Set(action.TargetField, action.TargetValue)
	case models.ActionTag:
		tags, ok := rec[FieldTags].([]any)
		if !ok {
			tags = []any{}
		}
		rec[FieldTags] = append(tags, action.TargetValue)
	case models.ActionAllocate:
		if action.AllocationRules != nil {
			rec[FieldAllocations] = allocationValue(action.AllocationRules)
		}
	case models.ActionTransform:
		e.applyTransform(ctx, rec, rule, action)
	case models.ActionReject:
		rec[FieldRejected] = true
		rec[FieldRejectionReason] = action.TargetValue
	}
}

// allocationValue renders allocation rules as plain values reachable by path,
// e.g. allocations.method.
func allocationValue(ar *models.AllocationRules) map[string]any {
	items := make([]any, len(ar.Allocations))
	for i, a := range ar.Allocations {
		items[i] = map[string]any{
			"entity_id": a.EntityID,
			"value":     a.Value,
		}
	}
	return map[string]any{
		"method":      string(ar.Method),
		"allocations": items,
	}
}

func (e *Engine) applyTransform(ctx context.Context, rec record.Record, rule models.AccountingRule, action models.Action) {
	if action.TargetField == "" || action.Formula == "" {
		return
	}

	formula, env := expressions.BindFields(action.Formula, rec.Lookup)
	value, err := e.formulas.Evaluate(formula, env)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"rule_id":      rule.ID,
			"target_field": action.TargetField,
			"formula":      action.Formula,
		}).Warn("Failed to evaluate rule formula")
		return
	}
	rec.Set(action.TargetField, value)
}

// IsRejected reports whether a reject action ran on rec.
func IsRejected(rec record.Record) bool {
	return rec.Bool(FieldRejected)
}

// AppliedRuleIDs returns the ids recorded on rec by Apply.
func AppliedRuleIDs(rec record.Record) []string {
	raw, _ := rec[FieldAppliedRules].([]any)
	return ectolinq.Map(raw, func(v any) string {
		return record.ToString(v)
	})
}
