package context

import (
	"context"
	"net/http"

	"github.com/cradoe/kudi/internal/repository"
)

type contextKey string

const (
	authenticatedUserContextKey = contextKey("authenticatedUser")
)

func ContextSetAuthenticatedUser(r *http.Request, user *repository.User) *http.Request {
	ctx := context.WithValue(r.Context(), authenticatedUserContextKey, user)
	return r.WithContext(ctx)
}

func ContextGetAuthenticatedUser(r *http.Request) *repository.User {
	user, ok := r.Context().Value(authenticatedUserContextKey).(*repository.User)
	if !ok {
		return nil
	}

	return user
}
