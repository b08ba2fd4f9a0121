package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned by an Authenticator that cannot identify
// the caller.
var ErrUnauthenticated = errors.New("ws: unauthenticated")

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID uuid.UUID
	Name   string
}

// Authenticator identifies the user of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// HeaderAuthenticator trusts the identity forwarded by the gateway in front
// of the server: the X-User-ID and X-User-Name headers, or the user_id and
// user_name query parameters for browser clients that cannot set headers.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := r.Header.Get("X-User-ID")
	name := r.Header.Get("X-User-Name")
	if raw == "" {
		q := r.URL.Query()
		raw = q.Get("user_id")
		name = q.Get("user_name")
	}

	userID, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || userID == uuid.Nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{UserID: userID, Name: strings.TrimSpace(name)}, nil
}
