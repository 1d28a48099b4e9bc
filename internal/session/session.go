package session

import (
	"context"
	"time"
)

// Credential is a short-lived token for a private feed (a Binance listen
// key, for example).
type Credential struct {
	Token    string
	IssuedAt time.Time
	TTL      time.Duration
}

// Expired reports whether the credential's validity window has passed.
func (c Credential) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.IssuedAt.Add(c.TTL))
}

// Provider is the side channel that issues session credentials.
type Provider interface {
	// Acquire creates a new credential.
	Acquire(ctx context.Context) (Credential, error)

	// Renew extends the validity of an existing credential. It fails if
	// the credential has already expired server-side.
	Renew(ctx context.Context, cred Credential) (Credential, error)

	// Revoke invalidates a credential. Best-effort cleanup on shutdown.
	Revoke(ctx context.Context, cred Credential) error
}
