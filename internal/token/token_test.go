package token

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

func TestGenerate_ShapeAndPrefix(t *testing.T) {
	t.Parallel()
	kinds := []Kind{KindAccessToken, KindRefreshToken, KindCompatAccessToken, KindCompatRefreshToken}
	for _, k := range kinds {
		tok, err := k.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("generate %v: %v", k, err)
		}
		if !strings.HasPrefix(tok, k.Prefix()) {
			t.Fatalf("token %q missing prefix %q", tok, k.Prefix())
		}
		if len(tok) != len(k.Prefix())+payloadLen+1+checksumLen {
			t.Fatalf("token %q has length %d", tok, len(tok))
		}
		got, err := Validate(tok)
		if err != nil {
			t.Fatalf("validate %q: %v", tok, err)
		}
		if got != k {
			t.Fatalf("validate %q: kind %v, want %v", tok, got, k)
		}
	}
}

func TestGenerate_NoDuplicates(t *testing.T) {
	t.Parallel()
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		tok, err := KindCompatAccessToken.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()
	tok, err := KindCompatAccessToken.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := Validate("xyz_" + tok[4:]); !errors.Is(err, ErrUnknownPrefix) {
		t.Fatalf("want ErrUnknownPrefix, got %v", err)
	}
	if _, err := Validate("mct_short"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("want ErrInvalidFormat, got %v", err)
	}

	// Corrupt one payload character, keep the old checksum.
	corrupted := []byte(tok)
	if corrupted[4] == 'A' {
		corrupted[4] = 'B'
	} else {
		corrupted[4] = 'A'
	}
	if _, err := Validate(string(corrupted)); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("want ErrBadChecksum, got %v", err)
	}
}

func TestIDTokenSigner_RoundTrip(t *testing.T) {
	t.Parallel()
	key := []byte("signing-key")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	signer := NewIDTokenSigner("https://auth.example.com/", key, 5*time.Minute)

	sub := uuid.Must(uuid.NewV4())
	signed, err := signer.Sign(sub, "client-1", now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != sub.String() {
		t.Fatalf("subject %q, want %q", claims.Subject, sub)
	}
	if claims.Issuer != "https://auth.example.com/" {
		t.Fatalf("issuer %q", claims.Issuer)
	}
	if !claims.ExpiresAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("exp %v", claims.ExpiresAt)
	}
}
