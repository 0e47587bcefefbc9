// Package auth obtains and caches OAuth2 access tokens for provider connectors.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	ErrTokenNotFound      = errors.New("cached token not found")
	ErrMissingCredentials = errors.New("refresh token, client id, client secret and token url are required")
	ErrRefreshFailed      = errors.New("token refresh failed")
)

const (
	DefaultTTL = time.Hour
	// DefaultSkew refreshes a token this long before it expires.
	DefaultSkew    = time.Minute
	CacheKeyPrefix = "fern:auth:token:"
)

// Cache stores serialized tokens. *redis.Client satisfies it.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Credentials identify one refreshable grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
}

func (c Credentials) Valid() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.TokenURL != "" && c.RefreshToken != ""
}

// CachedToken is what is stored under the cache key.
type CachedToken struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// IsExpired reports whether the token expires within skew. Tokens without an expiry
// never expire.
func (t *CachedToken) IsExpired(skew time.Duration) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(skew).Unix() >= t.ExpiresAt
}

type Manager struct {
	cache      Cache
	httpClient *http.Client
	logger     ectologger.Logger
	skew       time.Duration
}

func NewManager(cache Cache, httpClient *http.Client, logger ectologger.Logger) *Manager {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Manager{
		cache:      cache,
		httpClient: httpClient,
		logger:     logger,
		skew:       DefaultSkew,
	}
}

// AccessToken returns a valid access token for creds, refreshing through the token
// endpoint when the cached one is missing or about to expire. Providers that rotate
// refresh tokens have the rotated token cached and used for the next refresh.
func (m *Manager) AccessToken(ctx context.Context, creds Credentials) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.AccessToken")
	defer span.End()

	if !creds.Valid() {
		return "", ErrMissingCredentials
	}

	key := m.cacheKey(creds)
	cached, err := m.getCachedToken(ctx, key)
	if err == nil {
		if !cached.IsExpired(m.skew) {
			m.logger.WithContext(ctx).Debugf("Using cached access token for client %s", creds.ClientID)
			return cached.AccessToken, nil
		}
		if cached.RefreshToken != "" {
			creds.RefreshToken = cached.RefreshToken
		}
		m.logger.WithContext(ctx).Debugf("Cached access token expired, refreshing for client %s", creds.ClientID)
	}

	token, err := m.refresh(ctx, creds)
	if err != nil {
		return "", err
	}

	if err := m.cacheToken(ctx, key, token); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache access token")
	}
	return token.AccessToken, nil
}

// Invalidate drops the cached token for creds, e.g. after a 401.
func (m *Manager) Invalidate(ctx context.Context, creds Credentials) error {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Invalidate")
	defer span.End()
	return m.cache.Del(ctx, m.cacheKey(creds))
}

func (m *Manager) refresh(ctx context.Context, creds Credentials) (*CachedToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.refresh")
	defer span.End()

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}

	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  creds.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		metrics.AuthTokenRefreshes.WithLabelValues("failed").Inc()
		m.logger.WithContext(ctx).WithError(err).Errorf("Failed to refresh access token for client %s", creds.ClientID)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	metrics.AuthTokenRefreshes.WithLabelValues("success").Inc()

	cached := &CachedToken{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		CreatedAt:    time.Now().Unix(),
	}
	if !token.Expiry.IsZero() {
		cached.ExpiresAt = token.Expiry.Unix()
	}

	m.logger.WithContext(ctx).Infof("Obtained access token for client %s", creds.ClientID)
	return cached, nil
}

func (m *Manager) getCachedToken(ctx context.Context, key string) (*CachedToken, error) {
	data, err := m.cache.Get(ctx, key)
	if err != nil || data == "" {
		return nil, ErrTokenNotFound
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}
	return &token, nil
}

func (m *Manager) cacheToken(ctx context.Context, key string, token *CachedToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	return m.cache.Set(ctx, key, string(data), m.ttl(token))
}

// ttl keeps a rotated refresh token around after the access token expires.
func (m *Manager) ttl(token *CachedToken) time.Duration {
	if token.ExpiresAt == 0 {
		return DefaultTTL
	}
	remaining := time.Until(time.Unix(token.ExpiresAt, 0))
	if token.RefreshToken != "" {
		return remaining + 24*time.Hour
	}
	if remaining <= 0 {
		return DefaultTTL
	}
	return remaining
}

// cacheKey hashes the grant so refresh tokens never appear in key names.
func (m *Manager) cacheKey(creds Credentials) string {
	sum := sha256.Sum256([]byte(creds.TokenURL + "|" + creds.ClientID + "|" + creds.RefreshToken))
	return CacheKeyPrefix + hex.EncodeToString(sum[:16])
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", ErrTokenNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", ErrTokenNotFound
	}
	return entry.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{value: fmt.Sprint(value)}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}
	c.entries[key] = entry
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}
