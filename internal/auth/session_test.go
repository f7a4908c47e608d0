package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/bus"
	"go.uber.org/zap"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSetJWT(t *testing.T) {
	s := NewSession(nil, zap.NewNop())
	tok := signed(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	if err := s.Set(tok); err != nil {
		t.Fatal(err)
	}
	got, err := s.Token()
	if err != nil {
		t.Fatal(err)
	}
	if got != tok {
		t.Error("token mismatch")
	}
	if s.Subject() != "alice" {
		t.Errorf("subject = %q, want alice", s.Subject())
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := NewSession(nil, zap.NewNop())
	tok := signed(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Minute).Unix()})
	if err := s.Set(tok); !errors.Is(err, apperr.Unauthorized) {
		t.Errorf("Set(expired) = %v, want unauthorized", err)
	}
}

func TestTokenExpiresWhileHeld(t *testing.T) {
	s := NewSession(nil, zap.NewNop())
	now := time.Now()
	s.now = func() time.Time { return now }
	if err := s.Set(signed(t, jwt.MapClaims{"exp": now.Add(time.Minute).Unix()})); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.Token(); !errors.Is(err, apperr.Unauthorized) {
		t.Errorf("Token() = %v, want unauthorized", err)
	}
}

func TestOpaqueTokenAccepted(t *testing.T) {
	s := NewSession(nil, zap.NewNop())
	if err := s.Set("opaque-session-token"); err != nil {
		t.Fatal(err)
	}
	if !s.Valid() {
		t.Error("opaque token not valid")
	}
}

func TestInvalidateEmitsOnce(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 4)
	defer unsub()

	s := NewSession(b, zap.NewNop())
	if err := s.Set("tok"); err != nil {
		t.Fatal(err)
	}
	s.Invalidate("401")
	s.Invalidate("401")

	if len(ch) != 1 {
		t.Errorf("events = %d, want 1", len(ch))
	}
	if _, err := s.Token(); !errors.Is(err, apperr.Unauthorized) {
		t.Errorf("Token() after invalidate = %v", err)
	}
}
