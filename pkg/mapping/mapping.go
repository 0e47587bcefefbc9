// Package mapping copies fields from provider records into the shape the rule engine
// and the transactions table expect.
package mapping

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/shopspring/decimal"

	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Named transformations. Anything else is treated as a formula over "value".
const (
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformNumber    = "number"
	TransformBoolean   = "boolean"
	TransformDate      = "date"
	TransformCurrency  = "currency"
)

var NamedTransforms = []string{
	TransformUppercase, TransformLowercase, TransformNumber,
	TransformBoolean, TransformDate, TransformCurrency,
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

type Mapper struct {
	formulas *expressions.Formulas
	logger   ectologger.Logger
}

func NewMapper(formulas *expressions.Formulas, logger ectologger.Logger) *Mapper {
	if formulas == nil {
		formulas = expressions.NewFormulas()
	}
	return &Mapper{
		formulas: formulas,
		logger:   logger,
	}
}

// Transform produces one output record per input record, in order. Each output holds only
// the mapped target fields.
func (m *Mapper) Transform(ctx context.Context, records []record.Record, mappings []models.FieldMapping) []record.Record {
	ctx, span := tracing.StartSpan(ctx, "Mapper.Transform")
	defer span.End()

	out := make([]record.Record, len(records))
	for i, rec := range records {
		out[i] = m.TransformRecord(ctx, rec, mappings)
	}
	return out
}

// TransformRecord applies mappings to a single record.
func (m *Mapper) TransformRecord(ctx context.Context, rec record.Record, mappings []models.FieldMapping) record.Record {
	target := record.Record{}
	for _, mapping := range mappings {
		value := rec.Lookup(mapping.SourceField)

		if mapping.Transformation != "" && !record.IsUndefined(value) {
			value = m.apply(ctx, mapping, value)
		}

		if record.IsUndefined(value) && mapping.DefaultValue != nil {
			value = mapping.DefaultValue
		}

		if record.IsUndefined(value) {
			target.Delete(mapping.TargetField)
			continue
		}
		target.Set(mapping.TargetField, value)
	}
	return target
}

func (m *Mapper) apply(ctx context.Context, mapping models.FieldMapping, value any) any {
	switch mapping.Transformation {
	case TransformUppercase:
		return strings.ToUpper(record.ToString(value))
	case TransformLowercase:
		return strings.ToLower(record.ToString(value))
	case TransformNumber:
		return record.ToNumber(value)
	case TransformBoolean:
		return record.Truthy(value)
	case TransformDate:
		return ParseDate(value)
	case TransformCurrency:
		return Currency(value)
	}

	formula := expressions.SubstituteValue(mapping.Transformation, value)
	result, err := m.formulas.Evaluate(formula, nil)
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_field":   mapping.SourceField,
			"target_field":   mapping.TargetField,
			"transformation": mapping.Transformation,
		}).Warn("Failed to apply field transformation, keeping original value")
		return value
	}
	return result
}

// ParseDate converts strings in the accepted layouts and unix millisecond numbers to
// UTC times. Anything else is Undefined.
func ParseDate(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC()
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
		return record.Undefined
	}

	if record.KindOf(value) == record.KindNumber {
		ms := record.ToNumber(value)
		if math.IsNaN(ms) || math.IsInf(ms, 0) {
			return record.Undefined
		}
		return time.UnixMilli(int64(ms)).UTC()
	}
	return record.Undefined
}

// Currency rounds value to cents, half away from zero. Non-numeric values are NaN.
func Currency(value any) float64 {
	n := record.ToNumber(value)
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return n
	}
	rounded, _ := decimal.NewFromFloat(n).Round(2).Float64()
	return rounded
}

// IsNamedTransform reports whether name is one of the built-in transformations.
func IsNamedTransform(name string) bool {
	return ectolinq.Contains(NamedTransforms, name)
}

// Validate checks that a non-named transformation compiles once "value" is bound.
func (m *Mapper) Validate(mapping models.FieldMapping) error {
	if mapping.Transformation == "" || IsNamedTransform(mapping.Transformation) {
		return nil
	}
	return m.formulas.Validate(expressions.SubstituteValue(mapping.Transformation, 0))
}
