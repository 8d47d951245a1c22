package api

import (
	"context"
	"net/http"
	"strings"
)

// Identity headers are set by the gateway in front of this service after
// authentication. This package trusts them as given.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"

	// RoleCollector only sees promissory notes on sales assigned to them.
	RoleCollector = "collector"
)

// Identity is the authenticated caller.
type Identity struct {
	ActorID string
	Role    string
}

// Scoped reports whether listings must be narrowed to the caller's own sales.
func (id Identity) Scoped() bool {
	return strings.EqualFold(id.Role, RoleCollector)
}

// OwnerScope returns the owner filter implied by the identity, if any.
func (id Identity) OwnerScope() *string {
	if !id.Scoped() {
		return nil
	}
	owner := id.ActorID
	return &owner
}

type identityKey struct{}

// identityMiddleware reads the identity headers into the request context.
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{
			ActorID: strings.TrimSpace(r.Header.Get(HeaderActorID)),
			Role:    strings.TrimSpace(r.Header.Get(HeaderActorRole)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// IdentityFrom returns the identity stored by identityMiddleware.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}
