// Package warehouse reads incrementally updated rows from a BigQuery table.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/Gobusters/ectologger"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

var ErrInvalidIdentifier = errors.New("invalid BigQuery identifier")

type Config struct {
	ProjectID       string `json:"project_id" validate:"required"`
	Dataset         string `json:"dataset" validate:"required"`
	Table           string `json:"table" validate:"required"`
	TimestampColumn string `json:"timestamp_column"`
	IDColumn        string `json:"id_column"`
	CredentialsJSON string `json:"credentials_json"`
}

func (c *Config) applyDefaults() {
	if c.TimestampColumn == "" {
		c.TimestampColumn = "updated_at"
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
}

func (c Config) validate() error {
	for _, id := range []string{c.ProjectID, c.Dataset, c.Table, c.TimestampColumn, c.IDColumn} {
		if !identifierPattern.MatchString(id) {
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
		}
	}
	return nil
}

// Row is one result row as BigQuery decodes it.
type Row = map[string]bigquery.Value

// RowIterator is satisfied by *bigquery.RowIterator.
type RowIterator interface {
	Next(dst any) error
}

// Querier is the slice of the BigQuery client the connector uses.
type Querier interface {
	Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error)
	TableMetadata(ctx context.Context, dataset, table string) (*bigquery.TableMetadata, error)
	Close() error
}

// ClientFactory opens a Querier for a project.
type ClientFactory func(ctx context.Context, cfg Config) (Querier, error)

type bigQueryClient struct {
	client *bigquery.Client
}

// NewBigQueryClient is the production ClientFactory. Without credentials_json the
// ambient application default credentials are used.
func NewBigQueryClient(ctx context.Context, cfg Config) (Querier, error) {
	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating BigQuery client: %w", err)
	}
	return &bigQueryClient{client: client}, nil
}

func (b *bigQueryClient) Query(ctx context.Context, sql string, params []bigquery.QueryParameter) (RowIterator, error) {
	q := b.client.Query(sql)
	q.Parameters = params
	return q.Read(ctx)
}

func (b *bigQueryClient) TableMetadata(ctx context.Context, dataset, table string) (*bigquery.TableMetadata, error) {
	return b.client.Dataset(dataset).Table(table).Metadata(ctx)
}

func (b *bigQueryClient) Close() error {
	return b.client.Close()
}

type Options struct {
	Clients ClientFactory
	Limiter ratelimit.Waiter
	Mapper  *mapping.Mapper
	Logger  ectologger.Logger
}

type Connector struct {
	connectors.Base

	clients ClientFactory
	limiter ratelimit.Waiter
	logger  ectologger.Logger

	config Config
	client Querier
}

func New(opts Options) *Connector {
	if opts.Clients == nil {
		opts.Clients = NewBigQueryClient
	}
	return &Connector{
		Base: connectors.Base{
			Name:     "BigQuery",
			Type:     models.IntegrationTypeDataWarehouse,
			Provider: models.ProviderBigQuery,
			Mapper:   opts.Mapper,
		},
		clients: opts.Clients,
		limiter: opts.Limiter,
		logger:  opts.Logger,
	}
}

func Factory(opts Options) connectors.Factory {
	return func(_ *models.Integration) (connectors.Connector, error) {
		return New(opts), nil
	}
}

func (c *Connector) Connect(ctx context.Context, raw map[string]any) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseConnector.Connect")
	defer span.End()

	cfg, err := connectors.DecodeConfig[Config](raw)
	if err != nil {
		return false, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return false, errors.Join(connectors.ErrInvalidConfig, err)
	}

	if c.client != nil {
		_ = c.client.Close()
	}
	client, err := c.clients(ctx, cfg)
	if err != nil {
		return false, err
	}

	c.config = cfg
	c.client = client

	ok := c.TestConnection(ctx)
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": cfg.ProjectID,
		"dataset":    cfg.Dataset,
		"table":      cfg.Table,
		"connected":  ok,
	}).Info("Connected to BigQuery")
	return ok, nil
}

func (c *Connector) Disconnect(ctx context.Context) {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("Failed to close BigQuery client")
		}
	}
	c.client = nil
	c.config = Config{}
}

func (c *Connector) TestConnection(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "WarehouseConnector.TestConnection")
	defer span.End()

	if c.client == nil {
		return false
	}
	if _, err := c.client.TableMetadata(ctx, c.config.Dataset, c.config.Table); err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("BigQuery connection test failed")
		return false
	}
	return true
}

// FetchData reads rows whose timestamp column falls in [StartDate, EndDate). Any data
// type other than transactions yields no records.
func (c *Connector) FetchData(ctx context.Context, params connectors.FetchParams) ([]record.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "WarehouseConnector.FetchData")
	defer span.End()

	if c.client == nil {
		return nil, connectors.ErrNotConnected
	}
	if params.DataType != connectors.DataTypeTransactions {
		return []record.Record{}, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, "bigquery:"+c.config.ProjectID); err != nil {
			return nil, err
		}
	}

	sql, queryParams := BuildQuery(c.config, params)
	it, err := c.client.Query(ctx, sql, queryParams)
	if err != nil {
		return nil, fmt.Errorf("reading query: %w", err)
	}

	records := []record.Record{}
	for {
		var row Row
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating rows: %w", err)
		}
		records = append(records, c.toRecord(row))
	}

	c.logger.WithContext(ctx).Infof("Fetched %d rows from %s.%s", len(records), c.config.Dataset, c.config.Table)
	return records, nil
}

// BuildQuery renders the incremental query. Identifiers must already be validated.
func BuildQuery(cfg Config, params connectors.FetchParams) (string, []bigquery.QueryParameter) {
	sql := fmt.Sprintf("SELECT * FROM `%s.%s.%s` WHERE `%s` >= @start AND `%s` < @end ORDER BY `%s`",
		cfg.ProjectID, cfg.Dataset, cfg.Table, cfg.TimestampColumn, cfg.TimestampColumn, cfg.TimestampColumn)

	end := params.EndDate
	if end.IsZero() {
		end = time.Now().UTC()
	}
	queryParams := []bigquery.QueryParameter{
		{Name: "start", Value: params.StartDate.UTC()},
		{Name: "end", Value: end.UTC()},
	}
	if params.Limit > 0 {
		sql += " LIMIT @limit"
		queryParams = append(queryParams, bigquery.QueryParameter{Name: "limit", Value: int64(params.Limit)})
	}
	return sql, queryParams
}

func (c *Connector) toRecord(row Row) record.Record {
	rec := record.Record{}
	for k, v := range row {
		rec[k] = convertValue(v)
	}
	if id, ok := rec[c.config.IDColumn]; ok {
		rec["id"] = id
	}
	return rec
}

func convertValue(v bigquery.Value) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]bigquery.Value:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = convertValue(item)
		}
		return out
	case []bigquery.Value:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = convertValue(item)
		}
		return out
	case int64:
		return float64(t)
	case *big.Rat:
		f, _ := t.Float64()
		return f
	case civil.Date:
		return t.String()
	case civil.DateTime:
		return t.String()
	case civil.Time:
		return t.String()
	case time.Time:
		return t.UTC()
	case []byte:
		return string(t)
	default:
		return t
	}
}
