package auth

import (
	"context"
	"testing"
	"time"
)

func TestStaticAuthenticator(t *testing.T) {
	want := Principal{ID: "local", Role: "admin"}
	a := StaticAuthenticator{Principal: want}

	got, err := a.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestBearerAuthenticatorMissingToken(t *testing.T) {
	a := BearerAuthenticator{Tokens: NewTokenService([]byte("secret"), time.Hour)}

	if _, err := a.Authenticate(context.Background()); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestBearerAuthenticatorValid(t *testing.T) {
	ts := NewTokenService([]byte("secret"), time.Hour)
	token, _, err := ts.Issue("alice", "admin")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	a := BearerAuthenticator{Tokens: ts, Token: token}
	got, err := a.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != "alice" || got.Role != "admin" {
		t.Errorf("got %+v", got)
	}
}

func TestBearerAuthenticatorInvalidToken(t *testing.T) {
	a := BearerAuthenticator{Tokens: NewTokenService([]byte("secret"), time.Hour), Token: "garbage"}

	if _, err := a.Authenticate(context.Background()); err == nil {
		t.Fatal("expected error for invalid token")
	}
}
