// Package tenant carries the (account, location) pair that scopes every
// query and lock in the system. It is always threaded explicitly; there is
// no ambient "current tenant".
package tenant

import "context"

type Tenant struct {
	AccountID  int64
	LocationID int64
}

func (t Tenant) Valid() bool { return t.AccountID > 0 && t.LocationID > 0 }

type ctxKey struct{}

func NewContext(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

func FromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(ctxKey{}).(Tenant)
	return t, ok && t.Valid()
}
