// Package session exposes the authenticated session contract consumed by the
// sync engine. Obtaining and renewing credentials against the remote platform
// is a collaborator's concern; the engine only requires that Session returns
// a currently valid bearer credential or an error.
package session

import (
	"context"
	"errors"
)

// ErrAuth marks a failure to obtain or renew a session. Callers retry using
// their own policy; the engine never swallows it.
var ErrAuth = errors.New("session authentication failed")

// Credentials is a point-in-time snapshot of an authenticated session.
type Credentials struct {
	AccessToken string
	InstanceURL string
}

// Provider yields current credentials, transparently re-authenticating on
// expiry. Session may block while a renewal is in flight.
type Provider interface {
	Session(ctx context.Context) (Credentials, error)
}

// StaticProvider returns fixed credentials. Used in tests and for
// pre-authenticated deployments.
type StaticProvider struct {
	Credentials Credentials
}

func (p StaticProvider) Session(context.Context) (Credentials, error) {
	if p.Credentials.AccessToken == "" {
		return Credentials{}, ErrAuth
	}
	return p.Credentials, nil
}
