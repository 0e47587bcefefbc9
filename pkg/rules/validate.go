package rules

import (
	"errors"
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Validate checks a rule before it is stored: known rule type, operators and action
// types, the fields each action needs, and that transform formulas compile.
func Validate(rule models.AccountingRule, formulas *expressions.Formulas) error {
	var errs []error

	if rule.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !ectolinq.Contains(models.RuleTypes, rule.RuleType) {
		errs = append(errs, fmt.Errorf("unknown rule_type %q", rule.RuleType))
	}

	for i, condition := range rule.Conditions.Data {
		if condition.Field == "" {
			errs = append(errs, fmt.Errorf("conditions[%d]: field is required", i))
		}
		if !ectolinq.Contains(models.Operators, condition.Operator) {
			errs = append(errs, fmt.Errorf("conditions[%d]: unknown operator %q", i, condition.Operator))
		}
		switch condition.LogicalOperator {
		case "", models.LogicalAnd, models.LogicalOr:
		default:
			errs = append(errs, fmt.Errorf("conditions[%d]: logical_operator must be AND or OR", i))
		}
	}

	if len(rule.Actions.Data) == 0 {
		errs = append(errs, errors.New("at least one action is required"))
	}
	for i, action := range rule.Actions.Data {
		if err := validateAction(action, formulas); err != nil {
			errs = append(errs, fmt.Errorf("actions[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func validateAction(action models.Action, formulas *expressions.Formulas) error {
	switch action.Type {
	case models.ActionCategorize:
		if action.TargetField == "" {
			return errors.New("categorize requires target_field")
		}
	case models.ActionTag, models.ActionReject:
	case models.ActionAllocate:
		if action.AllocationRules == nil {
			return errors.New("allocate requires allocation_rules")
		}
		if _, err := utils.Validate(*action.AllocationRules); err != nil {
			return err
		}
	case models.ActionTransform:
		if action.TargetField == "" || action.Formula == "" {
			return errors.New("transform requires target_field and formula")
		}
		formula, _ := expressions.BindFields(action.Formula, func(string) any { return nil })
		if err := formulas.Validate(formula); err != nil {
			return fmt.Errorf("formula does not compile: %w", err)
		}
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
	return nil
}
