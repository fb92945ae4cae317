package ops

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestMintAndValidate(t *testing.T) {
	tm := NewTokenMinter("signing-secret", time.Hour)

	token, expires, err := tm.Mint("admin")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if token == "" {
		t.Fatal("expected a signed token")
	}
	if !expires.After(time.Now()) {
		t.Fatalf("expiry %v is not in the future", expires)
	}

	claims, err := tm.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "admin" {
		t.Fatalf("subject = %q, want admin", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Fatalf("role = %q, want admin", claims.Role)
	}
	if claims.Issuer != tokenIssuer {
		t.Fatalf("issuer = %q, want %q", claims.Issuer, tokenIssuer)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tm := NewTokenMinter("signing-secret", time.Hour)
	tm.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := tm.Mint("admin")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tm.now = time.Now
	if _, err := tm.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	token, _, err := NewTokenMinter("secret-a", time.Hour).Mint("admin")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := NewTokenMinter("secret-b", time.Hour).Validate(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	tm := NewTokenMinter("signing-secret", time.Hour)
	if _, err := tm.Validate("not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestHashAdminSecret(t *testing.T) {
	hash, err := HashAdminSecret("open-sesame")
	if err != nil {
		t.Fatalf("HashAdminSecret: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("open-sesame")); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("wrong")); err == nil {
		t.Fatal("wrong secret verified")
	}
}
