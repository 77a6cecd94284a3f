package auth

import "context"

// contextKey is a type for context keys to avoid collisions
type contextKey string

const (
	contextKeyUser contextKey = "auth_user"
)

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

// UserFromContext retrieves the authenticated user from the context.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(contextKeyUser).(*User)
	return user, ok && user != nil
}
