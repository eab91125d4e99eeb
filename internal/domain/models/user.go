package models

import (
	"context"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

// User is the authenticated principal extracted from the access token.
// Account management lives in a separate service; dispatch only needs
// identity and role.
type User struct {
	ID   uuid.UUID
	Role types.UserRole
}

var anonymous = &User{}

func AnonymousUser() *User {
	return anonymous
}

func (u *User) IsAnonymous() bool {
	return u == anonymous
}

type userCtxKey struct{}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

func UserFromContext(ctx context.Context) *User {
	if u, ok := ctx.Value(userCtxKey{}).(*User); ok {
		return u
	}
	return nil
}
