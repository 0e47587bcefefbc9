// Package quickbooks pulls accounting records from the QuickBooks Online API.
package quickbooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/mapping"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/record"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	ProductionBaseURL = "https://quickbooks.api.intuit.com"
	SandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	DefaultTokenURL   = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	DefaultPageSize   = 1000
	DefaultMinorVer   = "75"
)

// entitiesByDataType lists the QBO entities queried for each data type.
var entitiesByDataType = map[string][]string{
	connectors.DataTypeTransactions: {"Invoice", "Bill", "Purchase", "Deposit", "JournalEntry", "SalesReceipt"},
	connectors.DataTypeAccounts:     {"Account"},
	connectors.DataTypeCustomers:    {"Customer"},
	connectors.DataTypeVendors:      {"Vendor"},
}

var ErrRateLimited = errors.New("quickbooks rate limit exceeded")

// Config is the integration config blob. camelCase keys (accessToken, realmId) are
// accepted too.
type Config struct {
	AccessToken  string `json:"access_token"`
	RealmID      string `json:"realm_id" validate:"required"`
	Environment  string `json:"environment" validate:"omitempty,oneof=production sandbox"`
	BaseURL      string `json:"base_url" validate:"omitempty,url"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	MinorVersion string `json:"minor_version"`
}

func (c Config) credentials(tokenURL string) auth.Credentials {
	return auth.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     tokenURL,
		RefreshToken: c.RefreshToken,
	}
}

// Options are the shared services a connector is built from.
type Options struct {
	HTTP      *httpclient.Client
	Limiter   ratelimit.Waiter
	Tokens    *auth.Manager
	Mapper    *mapping.Mapper
	Evaluator *expressions.Evaluator
	Logger    ectologger.Logger
	TokenURL  string
	PageSize  int
}

type Connector struct {
	connectors.Base

	http      *httpclient.Client
	limiter   ratelimit.Waiter
	tokens    *auth.Manager
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
	tokenURL  string
	pageSize  int

	config      Config
	baseURL     string
	accessToken string
	connected   bool
}

func New(opts Options) *Connector {
	if opts.Evaluator == nil {
		opts.Evaluator = expressions.NewEvaluator()
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Connector{
		Base: connectors.Base{
			Name:     "QuickBooks",
			Type:     models.IntegrationTypeAccounting,
			Provider: models.ProviderQuickBooks,
			Mapper:   opts.Mapper,
		},
		http:      opts.HTTP,
		limiter:   opts.Limiter,
		tokens:    opts.Tokens,
		evaluator: opts.Evaluator,
		logger:    opts.Logger,
		tokenURL:  opts.TokenURL,
		pageSize:  opts.PageSize,
	}
}

// Factory registers QuickBooks with a connectors.Registry.
func Factory(opts Options) connectors.Factory {
	return func(_ *models.Integration) (connectors.Connector, error) {
		return New(opts), nil
	}
}

func (c *Connector) Connect(ctx context.Context, raw map[string]any) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksConnector.Connect")
	defer span.End()

	cfg, err := connectors.DecodeConfig[Config](raw)
	if err != nil {
		return false, err
	}

	creds := cfg.credentials(c.tokenURL)
	if c.tokens != nil && creds.Valid() {
		token, err := c.tokens.AccessToken(ctx, creds)
		if err != nil {
			return false, fmt.Errorf("failed to obtain quickbooks access token: %w", err)
		}
		cfg.AccessToken = token
	}
	if cfg.AccessToken == "" {
		return false, fmt.Errorf("%w: access_token or refresh credentials are required", connectors.ErrInvalidConfig)
	}

	c.config = cfg
	c.accessToken = cfg.AccessToken
	c.baseURL = resolveBaseURL(cfg)
	c.connected = c.TestConnection(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"realm_id":  cfg.RealmID,
		"base_url":  c.baseURL,
		"connected": c.connected,
	}).Info("Connected to QuickBooks")
	return c.connected, nil
}

func resolveBaseURL(cfg Config) string {
	switch {
	case cfg.BaseURL != "":
		return strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Environment == "production":
		return ProductionBaseURL
	default:
		return SandboxBaseURL
	}
}

func (c *Connector) Disconnect(_ context.Context) {
	c.accessToken = ""
	c.config = Config{}
	c.connected = false
}

func (c *Connector) TestConnection(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksConnector.TestConnection")
	defer span.End()

	if c.accessToken == "" || c.config.RealmID == "" {
		return false
	}

	realm := url.PathEscape(c.config.RealmID)
	_, err := c.get(ctx, fmt.Sprintf("/v3/company/%s/companyinfo/%s", realm, realm), nil)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn("QuickBooks connection test failed")
		return false
	}
	return true
}

// FetchData queries every entity for params.DataType. An unknown data type yields no
// records.
func (c *Connector) FetchData(ctx context.Context, params connectors.FetchParams) ([]record.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "QuickBooksConnector.FetchData")
	defer span.End()

	if !c.connected {
		return nil, connectors.ErrNotConnected
	}

	entities, ok := entitiesByDataType[params.DataType]
	if !ok {
		c.logger.WithContext(ctx).Warnf("Unsupported QuickBooks data type %q", params.DataType)
		return []record.Record{}, nil
	}

	records := []record.Record{}
	for _, entity := range entities {
		remaining := 0
		if params.Limit > 0 {
			remaining = params.Limit - len(records)
			if remaining <= 0 {
				break
			}
		}

		fetched, err := c.fetchEntity(ctx, entity, params.StartDate, params.EndDate, remaining)
		if err != nil {
			return nil, err
		}
		records = append(records, fetched...)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"data_type": params.DataType,
		"records":   len(records),
	}).Info("Fetched QuickBooks records")
	return records, nil
}

func (c *Connector) fetchEntity(ctx context.Context, entity string, start, end time.Time, limit int) ([]record.Record, error) {
	var out []record.Record
	position := 1

	for {
		pageSize := c.pageSize
		if limit > 0 && limit-len(out) < pageSize {
			pageSize = limit - len(out)
		}

		query := BuildQuery(entity, start, end, position, pageSize)
		body, err := c.get(ctx, fmt.Sprintf("/v3/company/%s/query", url.PathEscape(c.config.RealmID)), url.Values{"query": {query}})
		if err != nil {
			return nil, err
		}

		items, err := c.evaluator.EvaluateMaps("QueryResponse."+entity, body)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s query response: %w", entity, err)
		}

		for _, item := range items {
			out = append(out, toRecord(entity, item))
		}

		if len(items) < pageSize || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		position += len(items)
	}
}

// BuildQuery renders a QBO query for entity rows updated in [start, end).
func BuildQuery(entity string, start, end time.Time, position, maxResults int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s", entity)

	var where []string
	if !start.IsZero() {
		where = append(where, fmt.Sprintf("MetaData.LastUpdatedTime >= '%s'", start.UTC().Format(time.RFC3339)))
	}
	if !end.IsZero() {
		where = append(where, fmt.Sprintf("MetaData.LastUpdatedTime < '%s'", end.UTC().Format(time.RFC3339)))
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	fmt.Fprintf(&b, " STARTPOSITION %d MAXRESULTS %d", position, maxResults)
	return b.String()
}

func toRecord(entity string, item map[string]any) record.Record {
	return record.Record{
		"id":     item["Id"],
		"type":   entity,
		"entity": item,
		entity:   item,
	}
}

func (c *Connector) get(ctx context.Context, path string, query url.Values) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.rateLimitKey()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	if query == nil {
		query = url.Values{}
	}
	minor := c.config.MinorVersion
	if minor == "" {
		minor = DefaultMinorVer
	}
	query.Set("minorversion", minor)

	resp, err := c.http.Get(ctx, c.baseURL+path+"?"+query.Encode(), map[string]string{
		"Authorization": "Bearer " + c.accessToken,
		"Accept":        "application/json",
	})
	if err != nil {
		return nil, err
	}

	switch {
	case httpclient.IsRateLimitStatus(resp.StatusCode):
		if d, err := ratelimit.ParseRetryAfter(resp.Headers.Get("Retry-After")); err == nil && c.limiter != nil {
			c.limiter.Block(ctx, c.rateLimitKey(), d)
		}
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		if c.tokens != nil {
			creds := c.config.credentials(c.tokenURL)
			if creds.Valid() {
				_ = c.tokens.Invalidate(ctx, creds)
			}
		}
		return nil, fmt.Errorf("quickbooks rejected the access token: %s", resp.Snippet())
	case !resp.IsSuccess():
		return nil, fmt.Errorf("quickbooks request failed with status %d: %s", resp.StatusCode, resp.Snippet())
	}

	var body map[string]any
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Connector) rateLimitKey() string {
	return "quickbooks:" + c.config.RealmID
}
