package impersonation

import (
	"context"

	"homebase.io/internal/directory"
)

// View is the identity pair a request acts under. Outside impersonation
// Real and Displayed are the same user and SessionID is empty.
type View struct {
	Real      directory.User
	Displayed directory.User
	SessionID string
}

// SelfView is the view of a user acting as themselves.
func SelfView(u directory.User) View {
	return View{Real: u, Displayed: u}
}

type viewKey struct{}

// WithView attaches v to ctx.
func WithView(ctx context.Context, v View) context.Context {
	return context.WithValue(ctx, viewKey{}, v)
}

func ViewFromContext(ctx context.Context) (View, bool) {
	v, ok := ctx.Value(viewKey{}).(View)
	return v, ok
}

// IsImpersonating reports whether the request is presenting another user.
func IsImpersonating(ctx context.Context) bool {
	v, ok := ViewFromContext(ctx)
	return ok && v.SessionID != "" && v.Real.ID != v.Displayed.ID
}

// RealUser is the authenticated principal, even while impersonating.
func RealUser(ctx context.Context) (directory.User, bool) {
	v, ok := ViewFromContext(ctx)
	if !ok {
		return directory.User{}, false
	}
	return v.Real, true
}

// DisplayedUser is the identity currently presented: the target while
// impersonating, otherwise the real user.
func DisplayedUser(ctx context.Context) (directory.User, bool) {
	v, ok := ViewFromContext(ctx)
	if !ok {
		return directory.User{}, false
	}
	return v.Displayed, true
}
