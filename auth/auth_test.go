package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	a := Auth{Secret: "test-secret"}

	token, err := NewToken(a.Secret, User{Email: "alice@example.com", Role: RoleOwner}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	user, err := a.CheckToken(token)
	if err != nil {
		t.Fatal(err)
	}

	if user.Email != "alice@example.com" {
		t.Fatalf("wrong subject: %s", user.Email)
	}
	if user.Role != RoleOwner {
		t.Fatalf("wrong role: %s", user.Role)
	}
}

func TestTokenExpired(t *testing.T) {
	a := Auth{Secret: "test-secret"}

	token, err := NewToken(a.Secret, User{Email: "alice@example.com"}, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.CheckToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewToken("other-secret", User{Email: "alice@example.com"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	a := Auth{Secret: "test-secret"}
	if _, err := a.CheckToken(token); err == nil {
		t.Fatal("token signed with wrong secret accepted")
	}
}

func TestTokenDefaultRole(t *testing.T) {
	a := Auth{Secret: "test-secret"}

	token, err := NewToken(a.Secret, User{Email: "bob@example.com"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	user, err := a.CheckToken(token)
	if err != nil {
		t.Fatal(err)
	}

	if user.Role != RoleDriver {
		t.Fatalf("expected default role, got %s", user.Role)
	}
}

func TestTokenNoSecret(t *testing.T) {
	a := Auth{}

	if _, err := a.CheckToken("anything"); err == nil {
		t.Fatal("token accepted without a configured secret")
	}
}
