// Package auth holds the bearer token of the signed-in user.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/bus"
	"go.uber.org/zap"
)

// Invalidation is the payload of session.invalidated events.
type Invalidation struct {
	Reason string
}

// Session holds the token used by both channels. It is safe for concurrent
// use.
type Session struct {
	mu      sync.RWMutex
	token   string
	subject string
	expires time.Time
	valid   bool

	bus *bus.Bus
	log *zap.Logger
	now func() time.Time
}

// NewSession creates a session with no token.
func NewSession(b *bus.Bus, log *zap.Logger) *Session {
	return &Session{bus: b, log: log, now: time.Now}
}

// Set installs a token. Tokens that parse as JWTs have their expiry and
// subject recorded; the signature is not verified because the client holds
// no key. Opaque tokens are accepted as they are.
func (s *Session) Set(token string) error {
	if token == "" {
		return apperr.NewUnauthorized("auth.set", "empty token")
	}
	var (
		subject string
		expires time.Time
	)
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expires = exp.Time
		}
		subject, _ = claims.GetSubject()
	} else if !errors.Is(err, jwt.ErrTokenMalformed) {
		return apperr.NewUnauthorized("auth.set", err.Error())
	}
	if !expires.IsZero() && !s.now().Before(expires) {
		return apperr.NewUnauthorized("auth.set", "token expired")
	}

	s.mu.Lock()
	s.token = token
	s.subject = subject
	s.expires = expires
	s.valid = true
	s.mu.Unlock()
	s.log.Debug("session token installed", zap.String("subject", subject), zap.Time("expires", expires))
	return nil
}

// Token returns the current token, or an Unauthorized error when there is
// none or it has expired.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return "", apperr.NewUnauthorized("auth.token", "not signed in")
	}
	if !s.expires.IsZero() && !s.now().Before(s.expires) {
		return "", apperr.NewUnauthorized("auth.token", "token expired")
	}
	return s.token, nil
}

// Subject returns the token's subject claim, usually the username.
func (s *Session) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Valid reports whether a usable token is installed.
func (s *Session) Valid() bool {
	_, err := s.Token()
	return err == nil
}

// Invalidate drops the token and announces it once.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	was := s.valid
	s.valid = false
	s.token = ""
	s.mu.Unlock()
	if !was {
		return
	}
	s.log.Warn("session invalidated", zap.String("reason", reason))
	s.bus.Emit(bus.KindSessionInvalidated, Invalidation{Reason: reason})
}
