package oidcdash

import (
	"context"

	"github.com/heroku/oidcdash/internal/okta"
)

type contextKey string

func (c contextKey) String() string {
	return "oidcdash context key " + string(c)
}

var (
	contextKeyUser = contextKey("user")
)

// WithUser returns a context carrying the request's user profile. A nil user
// marks the request as anonymous.
func WithUser(ctx context.Context, user *okta.User) context.Context {
	return context.WithValue(ctx, contextKeyUser, user)
}

// UserFromContext returns the profile stored by WithUser, or nil for
// anonymous requests.
func UserFromContext(ctx context.Context) *okta.User {
	user, _ := ctx.Value(contextKeyUser).(*okta.User)
	return user
}
