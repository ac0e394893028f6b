// Package auth evaluates per-procedure authorization predicates against the
// identity of the caller.
//
// Identity extraction is done by endpoint processors that run before the RPC
// dispatcher: BasicAuthProcessor, BearerProcessor and SessionProcessor. They
// only attach an Identity to the request context; they never reject a request.
// A procedure guarded by predicates then answers an anonymous or unauthorized
// caller with a protocol fault, not with an HTTP 401.
package auth

import (
	"context"
	"slices"
)

// Identity describes the caller of a procedure. The zero value is the anonymous caller.
type Identity struct {
	// Username is empty for anonymous callers.
	Username    string
	Groups      []string
	Permissions []string
	Superuser   bool
	// Method records how the identity was established: "basic", "bearer" or "session".
	Method string
}

// Anonymous is the identity of a caller that presented no valid credentials.
var Anonymous = Identity{}

// Authenticated reports whether the caller presented valid credentials.
func (id Identity) Authenticated() bool {
	return id.Username != ""
}

func (id Identity) InGroup(group string) bool {
	return slices.Contains(id.Groups, group)
}

func (id Identity) HasPermission(perm string) bool {
	return id.Superuser || slices.Contains(id.Permissions, perm)
}

type identityContextKey struct{}

// WithIdentity stores id in ctx and returns the derived context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the Identity stored in ctx. ok is false when no
// processor attached one, in which case the anonymous identity is returned.
func IdentityFromContext(ctx context.Context) (id Identity, ok bool) {
	id, ok = ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
