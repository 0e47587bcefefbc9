package mapping

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/record"
)

func newMapper() *Mapper {
	return NewMapper(nil, logging.NewNop())
}

func transformOne(t *testing.T, rec record.Record, mappings ...models.FieldMapping) record.Record {
	t.Helper()
	out := newMapper().Transform(context.Background(), []record.Record{rec}, mappings)
	require.Len(t, out, 1)
	return out[0]
}

func TestTransform(t *testing.T) {
	t.Run("should copy nested source fields to nested targets", func(t *testing.T) {
		rec := record.Record{"Invoice": map[string]any{"TotalAmt": 5000.0, "Id": "123"}}

		out := transformOne(t, rec,
			models.FieldMapping{SourceField: "Invoice.TotalAmt", TargetField: "revenue.amount"},
			models.FieldMapping{SourceField: "Invoice.Id", TargetField: "id"},
		)

		assert.Equal(t, record.Record{
			"revenue": map[string]any{"amount": 5000.0},
			"id":      "123",
		}, out)
	})

	t.Run("should use the default when the source is absent", func(t *testing.T) {
		out := transformOne(t, record.Record{},
			models.FieldMapping{SourceField: "Invoice.CurrencyRef.value", TargetField: "currency", DefaultValue: "USD"},
		)

		assert.Equal(t, "USD", out["currency"])
	})

	t.Run("should keep an explicit null instead of the default", func(t *testing.T) {
		out := transformOne(t, record.Record{"memo": nil},
			models.FieldMapping{SourceField: "memo", TargetField: "memo", DefaultValue: "n/a"},
		)

		v, ok := out.Get("memo")
		assert.True(t, ok)
		assert.Nil(t, v)
	})

	t.Run("should omit targets whose source is absent without a default", func(t *testing.T) {
		out := transformOne(t, record.Record{"a": 1.0},
			models.FieldMapping{SourceField: "missing", TargetField: "b", Transformation: "uppercase"},
		)

		_, ok := out.Get("b")
		assert.False(t, ok)
	})

	t.Run("should preserve order and cardinality", func(t *testing.T) {
		records := []record.Record{{"id": "1"}, {}, {"id": "3"}}

		out := newMapper().Transform(context.Background(), records, []models.FieldMapping{
			{SourceField: "id", TargetField: "transactionId"},
		})

		require.Len(t, out, 3)
		assert.Equal(t, "1", out[0]["transactionId"])
		assert.Empty(t, out[1])
		assert.Equal(t, "3", out[2]["transactionId"])
	})

	t.Run("should not mutate the input record", func(t *testing.T) {
		rec := record.Record{"name": "acme"}

		transformOne(t, rec, models.FieldMapping{SourceField: "name", TargetField: "name", Transformation: "uppercase"})

		assert.Equal(t, "acme", rec["name"])
	})
}

func TestNamedTransformations(t *testing.T) {
	t.Run("should change case after coercing to string", func(t *testing.T) {
		out := transformOne(t, record.Record{"name": "Acme Corp", "code": 42.0},
			models.FieldMapping{SourceField: "name", TargetField: "upper", Transformation: TransformUppercase},
			models.FieldMapping{SourceField: "name", TargetField: "lower", Transformation: TransformLowercase},
			models.FieldMapping{SourceField: "code", TargetField: "code", Transformation: TransformUppercase},
		)

		assert.Equal(t, "ACME CORP", out["upper"])
		assert.Equal(t, "acme corp", out["lower"])
		assert.Equal(t, "42", out["code"])
	})

	t.Run("should coerce numbers and pass NaN through", func(t *testing.T) {
		out := transformOne(t, record.Record{"a": "42.5", "b": "abc"},
			models.FieldMapping{SourceField: "a", TargetField: "a", Transformation: TransformNumber},
			models.FieldMapping{SourceField: "b", TargetField: "b", Transformation: TransformNumber},
		)

		assert.Equal(t, 42.5, out["a"])
		assert.True(t, math.IsNaN(out["b"].(float64)))
	})

	t.Run("should apply truthiness for booleans", func(t *testing.T) {
		out := transformOne(t, record.Record{"empty": "", "word": "false", "zero": 0.0},
			models.FieldMapping{SourceField: "empty", TargetField: "empty", Transformation: TransformBoolean},
			models.FieldMapping{SourceField: "word", TargetField: "word", Transformation: TransformBoolean},
			models.FieldMapping{SourceField: "zero", TargetField: "zero", Transformation: TransformBoolean},
		)

		assert.Equal(t, false, out["empty"])
		assert.Equal(t, true, out["word"])
		assert.Equal(t, false, out["zero"])
	})

	t.Run("should parse dates and drop invalid ones", func(t *testing.T) {
		out := transformOne(t, record.Record{"txn": "2024-01-15", "ts": 1700000000000.0, "bad": "someday"},
			models.FieldMapping{SourceField: "txn", TargetField: "date", Transformation: TransformDate},
			models.FieldMapping{SourceField: "ts", TargetField: "ts", Transformation: TransformDate},
			models.FieldMapping{SourceField: "bad", TargetField: "bad", Transformation: TransformDate},
		)

		assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), out["date"])
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), out["ts"])
		_, ok := out.Get("bad")
		assert.False(t, ok)
	})

	t.Run("should round currency half away from zero", func(t *testing.T) {
		assert.Equal(t, 12.35, Currency(12.345))
		assert.Equal(t, -12.35, Currency(-12.345))
		assert.Equal(t, 5000.0, Currency("5000"))
		assert.True(t, math.IsNaN(Currency("abc")))
	})
}

func TestExpressionTransformations(t *testing.T) {
	t.Run("should evaluate arithmetic over value", func(t *testing.T) {
		out := transformOne(t, record.Record{"amount": 100.0},
			models.FieldMapping{SourceField: "amount", TargetField: "double", Transformation: "value * 2"},
		)

		assert.Equal(t, 200.0, out["double"])
	})

	t.Run("should evaluate string expressions", func(t *testing.T) {
		out := transformOne(t, record.Record{"name": "acme"},
			models.FieldMapping{SourceField: "name", TargetField: "label", Transformation: `upper(value) + " LLC"`},
		)

		assert.Equal(t, "ACME LLC", out["label"])
	})

	t.Run("should keep the original value when evaluation fails", func(t *testing.T) {
		out := transformOne(t, record.Record{"amount": 100.0},
			models.FieldMapping{SourceField: "amount", TargetField: "amount", Transformation: "value +"},
		)

		assert.Equal(t, 100.0, out["amount"])
	})

	t.Run("should not reach host functions", func(t *testing.T) {
		out := transformOne(t, record.Record{"amount": 1.0},
			models.FieldMapping{SourceField: "amount", TargetField: "amount", Transformation: `os.Exit(1)`},
		)

		assert.Equal(t, 1.0, out["amount"])
	})
}

func TestValidate(t *testing.T) {
	m := newMapper()

	t.Run("should accept named and valid expression transformations", func(t *testing.T) {
		assert.NoError(t, m.Validate(models.FieldMapping{Transformation: TransformCurrency}))
		assert.NoError(t, m.Validate(models.FieldMapping{Transformation: "value * 100"}))
		assert.NoError(t, m.Validate(models.FieldMapping{}))
	})

	t.Run("should reject expressions that do not compile", func(t *testing.T) {
		assert.Error(t, m.Validate(models.FieldMapping{Transformation: "value +"}))
	})
}
