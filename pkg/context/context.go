package context

import "context"

type ContextKey string

var (
	RequestIDKey    = ContextKey("X-Request-Id")
	UserIDKey       = ContextKey("X-User-Id")
	UserEmailKey    = ContextKey("X-User-Email")
	OrganizationKey = ContextKey("X-Organization")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// SetUserEmail records the acting user; it becomes the reporter of cases created in the request
func SetUserEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, UserEmailKey, email)
}

func GetUserEmail(ctx context.Context) string {
	return getString(ctx, UserEmailKey)
}

// SetOrganization records the tenant slug the context is scoped to
func SetOrganization(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, OrganizationKey, slug)
}

func GetOrganization(ctx context.Context) string {
	return getString(ctx, OrganizationKey)
}

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}
