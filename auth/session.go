package auth

import (
	"net/http"

	"github.com/mnehpets/modernrpc/endpoint"
	"github.com/mnehpets/modernrpc/middleware"
)

// SessionProcessor attaches the identity of the user logged into the session.
// It must run after middleware.SessionProcessor.
type SessionProcessor struct{}

// Process implements endpoint.Processor.
func (SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	return extract(w, r, next, func(r *http.Request) (Identity, bool) {
		sess, ok := middleware.SessionFromContext(r.Context())
		if !ok {
			return Anonymous, false
		}
		p, ok := sess.Principal()
		if !ok || p.Username == "" {
			return Anonymous, false
		}
		return Identity{
			Username:    p.Username,
			Groups:      p.Groups,
			Permissions: p.Permissions,
			Superuser:   p.Superuser,
			Method:      "session",
		}, true
	})
}

var _ endpoint.Processor = SessionProcessor{}
