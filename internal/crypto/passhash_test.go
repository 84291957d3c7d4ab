package crypto

import (
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashVerify_RoundTrip(t *testing.T) {
	t.Parallel()
	version, hash, salt, err := Hash(rand.Reader, []byte("hunter2"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if version != LatestScheme {
		t.Fatalf("version %d, want %d", version, LatestScheme)
	}
	if err := Verify(version, []byte("hunter2"), salt, hash); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(version, []byte("wrong"), salt, hash); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("want ErrPasswordMismatch, got %v", err)
	}
}

func TestVerify_UnknownScheme(t *testing.T) {
	t.Parallel()
	if err := Verify(99, []byte("p"), nil, []byte("h")); err == nil {
		t.Fatalf("want error for unknown scheme")
	}
}

func TestVerifyAndUpgrade_CurrentSchemeNoUpgrade(t *testing.T) {
	t.Parallel()
	version, hash, salt, err := Hash(rand.Reader, []byte("password"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	up, err := VerifyAndUpgrade(rand.Reader, version, []byte("password"), salt, hash)
	if err != nil {
		t.Fatalf("verify and upgrade: %v", err)
	}
	if up != nil {
		t.Fatalf("unexpected upgrade from latest scheme: %+v", up)
	}
}

func TestVerifyAndUpgrade_BcryptUpgrades(t *testing.T) {
	t.Parallel()
	legacy, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	up, err := VerifyAndUpgrade(rand.Reader, SchemeBcrypt, []byte("password"), nil, legacy)
	if err != nil {
		t.Fatalf("verify and upgrade: %v", err)
	}
	if up == nil {
		t.Fatalf("want upgraded hash for bcrypt record")
	}
	if up.Version != LatestScheme {
		t.Fatalf("upgraded version %d, want %d", up.Version, LatestScheme)
	}
	if err := Verify(up.Version, []byte("password"), up.Salt, up.Hash); err != nil {
		t.Fatalf("verify upgraded: %v", err)
	}

	// Wrong password must not produce an upgrade.
	if _, err := VerifyAndUpgrade(rand.Reader, SchemeBcrypt, []byte("nope"), nil, legacy); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("want ErrPasswordMismatch, got %v", err)
	}
}
