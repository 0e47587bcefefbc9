package warehouse

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeIterator struct {
	rows []Row
	err  error
}

func (f *fakeIterator) Next(dst any) error {
	if f.err != nil {
		return f.err
	}
	if len(f.rows) == 0 {
		return iterator.Done
	}
	*(dst.(*Row)) = f.rows[0]
	f.rows = f.rows[1:]
	return nil
}

type fakeQuerier struct {
	rows     []Row
	queryErr error
	tableErr error
	sql      string
	params   []bigquery.QueryParameter
	closed   bool
}

func (f *fakeQuerier) Query(_ context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	f.sql, f.params = sql, params
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeIterator{rows: f.rows}, nil
}

func (f *fakeQuerier) TableMetadata(context.Context, string, string) (*bigquery.TableMetadata, error) {
	if f.tableErr != nil {
		return nil, f.tableErr
	}
	return &bigquery.TableMetadata{}, nil
}

func (f *fakeQuerier) Close() error {
	f.closed = true
	return nil
}

func newConnector(q *fakeQuerier) *Connector {
	logger := logging.NewNop()
	return New(Options{
		Clients: func(context.Context, Config) (Querier, error) { return q, nil },
		Mapper:  mapping.NewMapper(nil, logger),
		Logger:  logger,
	})
}

var baseConfig = map[string]any{"project_id": "acme-prod", "dataset": "finance", "table": "ledger", "id_column": "entry_id"}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("should connect when the table is readable", func(t *testing.T) {
		c := newConnector(&fakeQuerier{})

		ok, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should report a missing table as not connected", func(t *testing.T) {
		c := newConnector(&fakeQuerier{tableErr: errors.New("notFound")})

		ok, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should reject unsafe identifiers", func(t *testing.T) {
		c := newConnector(&fakeQuerier{})

		_, err := c.Connect(ctx, map[string]any{"project_id": "p", "dataset": "d", "table": "t`; DROP TABLE x"})
		assert.ErrorIs(t, err, connectors.ErrInvalidConfig)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	})

	t.Run("should close the client on disconnect", func(t *testing.T) {
		q := &fakeQuerier{}
		c := newConnector(q)
		_, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)

		c.Disconnect(ctx)

		assert.True(t, q.closed)
		assert.False(t, c.TestConnection(ctx))
	})
}

func TestFetchData(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("should convert rows into records", func(t *testing.T) {
		q := &fakeQuerier{rows: []Row{{
			"entry_id":   "E-1",
			"amount":     big.NewRat(12345, 100),
			"quantity":   int64(3),
			"posted_on":  civil.Date{Year: 2024, Month: 1, Day: 15},
			"updated_at": start.Add(time.Hour),
			"labels":     []bigquery.Value{"a", "b"},
			"customer":   map[string]bigquery.Value{"name": "Acme"},
			"memo":       nil,
		}}}
		c := newConnector(q)
		_, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)

		records, err := c.FetchData(ctx, connectors.FetchParams{DataType: connectors.DataTypeTransactions, StartDate: start, EndDate: end, Limit: 10})
		require.NoError(t, err)

		require.Len(t, records, 1)
		rec := records[0]
		assert.Equal(t, "E-1", rec["id"])
		assert.Equal(t, 123.45, rec["amount"])
		assert.Equal(t, 3.0, rec["quantity"])
		assert.Equal(t, "2024-01-15", rec["posted_on"])
		assert.Equal(t, []any{"a", "b"}, rec["labels"])
		assert.Equal(t, "Acme", rec.Lookup("customer.name"))
		assert.Nil(t, rec["memo"])

		assert.Equal(t, "SELECT * FROM `acme-prod.finance.ledger` WHERE `updated_at` >= @start AND `updated_at` < @end ORDER BY `updated_at` LIMIT @limit", q.sql)
		require.Len(t, q.params, 3)
		assert.Equal(t, start, q.params[0].Value)
		assert.Equal(t, int64(10), q.params[2].Value)
	})

	t.Run("should return nothing for other data types", func(t *testing.T) {
		c := newConnector(&fakeQuerier{rows: []Row{{"entry_id": "x"}}})
		_, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)

		records, err := c.FetchData(ctx, connectors.FetchParams{DataType: connectors.DataTypeCustomers})
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("should surface query errors", func(t *testing.T) {
		c := newConnector(&fakeQuerier{queryErr: errors.New("quota exceeded")})
		_, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)

		_, err = c.FetchData(ctx, connectors.FetchParams{DataType: connectors.DataTypeTransactions})
		assert.ErrorContains(t, err, "quota exceeded")
	})

	t.Run("should require a connection", func(t *testing.T) {
		c := newConnector(&fakeQuerier{})

		_, err := c.FetchData(ctx, connectors.FetchParams{DataType: connectors.DataTypeTransactions})
		assert.ErrorIs(t, err, connectors.ErrNotConnected)
	})

	t.Run("should feed the field mapper", func(t *testing.T) {
		c := newConnector(&fakeQuerier{rows: []Row{{"entry_id": "E-2", "amount": 10.0}}})
		_, err := c.Connect(ctx, baseConfig)
		require.NoError(t, err)

		records, err := c.FetchData(ctx, connectors.FetchParams{DataType: connectors.DataTypeTransactions})
		require.NoError(t, err)
		out := c.TransformData(ctx, records, []models.FieldMapping{{SourceField: "amount", TargetField: "expense.amount"}})

		assert.Equal(t, 10.0, out[0].Lookup("expense.amount"))
	})
}
