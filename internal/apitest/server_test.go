package apitest

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
)

func TestLookupToken(t *testing.T) {
	s := New(t)
	id, token := s.AddUser("me", "pw")

	if got, ok := s.lookupToken(token); !ok || got != id {
		t.Fatalf("lookupToken(valid) = %q, %v", got, ok)
	}
	if _, ok := s.lookupToken(s.IssueToken(id, -time.Minute)); ok {
		t.Fatalf("expired token accepted")
	}
	if _, ok := s.lookupToken(s.IssueToken("nobody", time.Minute)); ok {
		t.Fatalf("token of unknown user accepted")
	}

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   id,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.lookupToken(forged); ok {
		t.Fatalf("token signed with another secret accepted")
	}

	s.RevokeToken(token)
	if _, ok := s.lookupToken(token); ok {
		t.Fatalf("revoked token accepted")
	}
	if _, ok := s.lookupToken(s.IssueToken(id, time.Minute)); !ok {
		t.Fatalf("fresh token rejected after revoking another")
	}
}
