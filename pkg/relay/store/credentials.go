package store

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is an access secret for the remote cache, typically a
// managed-identity token with a short lifetime.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// CredentialProvider fetches a fresh credential. Implementations may
// block (token service round-trip); callers isolate them on the
// refresh goroutine.
type CredentialProvider interface {
	Fetch(ctx context.Context) (Credential, error)
}

// StaticCredential is a provider for password-style auth that never
// expires.
type StaticCredential string

func (s StaticCredential) Fetch(context.Context) (Credential, error) {
	return Credential{Token: string(s)}, nil
}

func fetchCredential(ctx context.Context, p CredentialProvider) (Credential, error) {
	if p == nil {
		return Credential{}, nil
	}
	cred, err := p.Fetch(ctx)
	if err != nil {
		return Credential{}, err
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = jwtExpiry(cred.Token)
	}
	return cred, nil
}

// jwtExpiry pulls the exp claim out of a JWT-shaped token without
// verifying it; the store only needs the deadline, not authenticity.
func jwtExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// StartRefresh runs the proactive credential refresh loop until ctx is
// done. It wakes RefreshSkew before expiry and swaps the client so
// foreground operations rarely observe an expired token.
func (s *Store) StartRefresh(ctx context.Context) {
	s.refreshDone = make(chan struct{})
	go func() {
		defer close(s.refreshDone)
		for {
			s.mu.Lock()
			expires := s.cred.ExpiresAt
			s.mu.Unlock()

			if expires.IsZero() {
				// Static credential; nothing to refresh.
				select {
				case <-ctx.Done():
					return
				case <-s.refreshWake:
					continue
				}
			}

			wait := time.Until(expires) - s.cfg.RefreshSkew
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.refreshWake:
				timer.Stop()
			case <-timer.C:
			}

			if err := s.rebuildWithFreshCredential(ctx); err != nil {
				s.logger.Warn("background credential refresh failed", "error", err)
				// Retry shortly rather than spinning against the token
				// service.
				select {
				case <-ctx.Done():
					return
				case <-time.After(10 * time.Second):
				}
				continue
			}
			s.logger.Info("store credential refreshed")
		}
	}()
}

// WaitRefreshStopped blocks until the refresh loop has exited.
func (s *Store) WaitRefreshStopped(ctx context.Context) error {
	if s.refreshDone == nil {
		return nil
	}
	select {
	case <-s.refreshDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("store: refresh loop did not stop: %w", ctx.Err())
	}
}
