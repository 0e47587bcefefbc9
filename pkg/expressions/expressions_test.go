package expressions

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator(t *testing.T) {
	eval := NewEvaluator()
	data := map[string]any{
		"QueryResponse": map[string]any{
			"Invoice":    []any{map[string]any{"Id": "1"}, map[string]any{"Id": "2"}},
			"maxResults": 2.0,
		},
	}

	t.Run("should extract the entity list", func(t *testing.T) {
		items, err := eval.EvaluateMaps("QueryResponse.Invoice", data)
		require.NoError(t, err)
		assert.Len(t, items, 2)
		assert.Equal(t, "2", items[1]["Id"])
	})

	t.Run("should return nil for a missing list", func(t *testing.T) {
		items, err := eval.EvaluateSlice("QueryResponse.Bill", data)
		require.NoError(t, err)
		assert.Nil(t, items)
	})

	t.Run("should reject an invalid expression", func(t *testing.T) {
		assert.Error(t, eval.Validate("QueryResponse.["))
	})
}

func TestFormulas(t *testing.T) {
	formulas := NewFormulas()

	t.Run("should evaluate arithmetic as float64", func(t *testing.T) {
		out, err := formulas.Evaluate("2 * 3 + 1", nil)
		require.NoError(t, err)
		assert.Equal(t, 7.0, out)
	})

	t.Run("should read env variables", func(t *testing.T) {
		out, err := formulas.Evaluate("amount * rate", map[string]any{"amount": 200.0, "rate": 0.1})
		require.NoError(t, err)
		assert.InDelta(t, 20.0, out, 1e-9)
	})

	t.Run("should fail on invalid syntax", func(t *testing.T) {
		_, err := formulas.Evaluate("1 +* 2", nil)
		assert.Error(t, err)
		assert.ErrorIs(t, formulas.Validate(""), ErrEmptyFormula)
	})
}

func TestTemplates(t *testing.T) {
	formulas := NewFormulas()

	t.Run("should substitute the raw value literally", func(t *testing.T) {
		assert.Equal(t, "5000 * 1.1", SubstituteValue("value * 1.1", 5000.0))
		assert.Equal(t, `upper("acme")`, SubstituteValue("upper(value)", "acme"))
		assert.Equal(t, "nil ?? 3", SubstituteValue("value ?? 3", nil))
		assert.Equal(t, "values", SubstituteValue("values", 1))
	})

	t.Run("should evaluate a substituted template", func(t *testing.T) {
		out, err := formulas.Evaluate(SubstituteValue("value * 2", 21), nil)
		require.NoError(t, err)
		assert.Equal(t, 42.0, out)
	})

	t.Run("should bind field tokens to variables", func(t *testing.T) {
		r := record.Record{"amount": 100.0, "tax": map[string]any{"rate": 0.2}}

		formula, env := BindFields("{amount} * {tax.rate} + {amount}", r.Lookup)
		assert.Equal(t, "_f0 * _f1 + _f0", formula)
		assert.Equal(t, map[string]any{"_f0": 100.0, "_f1": 0.2}, env)

		out, err := formulas.Evaluate(formula, env)
		require.NoError(t, err)
		assert.InDelta(t, 120.0, out, 1e-9)
	})

	t.Run("should bind missing fields as nil", func(t *testing.T) {
		_, env := BindFields("{missing}", record.Record{}.Lookup)
		assert.Equal(t, map[string]any{"_f0": nil}, env)
	})

	t.Run("should inline field values inside string literals", func(t *testing.T) {
		r := record.Record{"customer": `Acme "West"`, "amount": 10.0}

		formula, env := BindFields(`"{customer} - invoice" + ' #{amount}' + string({amount})`, r.Lookup)
		assert.Equal(t, `"Acme \"West\" - invoice" + ' #10' + string(_f0)`, formula)
		assert.Equal(t, map[string]any{"_f0": 10.0}, env)

		out, err := formulas.Evaluate(formula, env)
		require.NoError(t, err)
		assert.Equal(t, `Acme "West" - invoice #1010`, out)
	})

	t.Run("should not treat escaped quotes as the end of a literal", func(t *testing.T) {
		r := record.Record{"name": "Acme"}

		formula, env := BindFields(`"say \"{name}\"" + {name}`, r.Lookup)
		assert.Equal(t, `"say \"Acme\"" + _f0`, formula)
		assert.Equal(t, map[string]any{"_f0": "Acme"}, env)
	})

	t.Run("should render nested literals", func(t *testing.T) {
		lit := Literal(map[string]any{"b": []any{1, "x"}, "a": true})
		assert.Equal(t, `{"a": true, "b": [1, "x"]}`, lit)
	})

	t.Run("should list field tokens once", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b.c"}, FieldTokens("{a} + {b.c} - {a}"))
	})
}
