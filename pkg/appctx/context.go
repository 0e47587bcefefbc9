// Package appctx carries request and job scoped identifiers through context.Context.
package appctx

import "context"

type ContextKey string

var (
	RequestIDKey     = ContextKey("X-Request-Id")
	TenantIDKey      = ContextKey("X-Tenant-Id")
	UserIDKey        = ContextKey("X-User-Id")
	IntegrationIDKey = ContextKey("X-Integration-Id")
	JobIDKey         = ContextKey("X-Job-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return set(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	return get(ctx, TenantIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return set(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

// SetIntegrationID marks the integration a sync or job is working on.
func SetIntegrationID(ctx context.Context, integrationID string) context.Context {
	return set(ctx, IntegrationIDKey, integrationID)
}

func GetIntegrationID(ctx context.Context) string {
	return get(ctx, IntegrationIDKey)
}

func SetJobID(ctx context.Context, jobID string) context.Context {
	return set(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return get(ctx, JobIDKey)
}

// Fields returns the non-empty identifiers in ctx, keyed for structured logs.
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for name, key := range map[string]ContextKey{
		"request_id":     RequestIDKey,
		"tenant_id":      TenantIDKey,
		"user_id":        UserIDKey,
		"integration_id": IntegrationIDKey,
		"job_id":         JobIDKey,
	} {
		if v := get(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
