// Package token generates and validates the opaque bearer tokens issued by
// the service. Tokens carry no claims: a type-tagged prefix, a random
// payload, and a trailing checksum so garbage strings are rejected without a
// storage roundtrip. Expiry lives in storage, never in the token itself.
package token

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
)

// Kind tags the type of an issued token.
type Kind int

const (
	KindAccessToken Kind = iota
	KindRefreshToken
	KindCompatAccessToken
	KindCompatRefreshToken
)

const (
	payloadLen  = 30
	checksumLen = 6
	alphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

var (
	// ErrUnknownPrefix indicates the token does not start with a known kind tag.
	ErrUnknownPrefix = errors.New("unknown token prefix")
	// ErrInvalidFormat indicates the token payload has the wrong shape.
	ErrInvalidFormat = errors.New("invalid token format")
	// ErrBadChecksum indicates the trailing checksum does not match the payload.
	ErrBadChecksum = errors.New("invalid token checksum")
)

// Prefix returns the human-readable prefix for the kind.
func (k Kind) Prefix() string {
	switch k {
	case KindAccessToken:
		return "mat_"
	case KindRefreshToken:
		return "mar_"
	case KindCompatAccessToken:
		return "mct_"
	case KindCompatRefreshToken:
		return "mcr_"
	default:
		panic(fmt.Sprintf("token: unknown kind %d", int(k)))
	}
}

func (k Kind) String() string {
	switch k {
	case KindAccessToken:
		return "access token"
	case KindRefreshToken:
		return "refresh token"
	case KindCompatAccessToken:
		return "compat access token"
	case KindCompatRefreshToken:
		return "compat refresh token"
	default:
		return "unknown"
	}
}

// Generate produces a fresh token string for the kind. rng must be a
// CSPRNG (crypto/rand.Reader in production). Uniqueness is enforced by the
// storage layer's unique constraint, not here.
func (k Kind) Generate(rng io.Reader) (string, error) {
	payload, err := randString(rng, payloadLen)
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", k, err)
	}
	return k.Prefix() + payload + "_" + checksum(payload), nil
}

// Validate parses a token string, returning its kind after checking the
// shape and checksum.
func Validate(tok string) (Kind, error) {
	kind, ok := kindByPrefix(tok)
	if !ok {
		return 0, ErrUnknownPrefix
	}
	rest := tok[len(kind.Prefix()):]
	payload, sum, found := strings.Cut(rest, "_")
	if !found || len(payload) != payloadLen || len(sum) != checksumLen {
		return 0, ErrInvalidFormat
	}
	if checksum(payload) != sum {
		return 0, ErrBadChecksum
	}
	return kind, nil
}

func kindByPrefix(tok string) (Kind, bool) {
	for _, k := range []Kind{KindAccessToken, KindRefreshToken, KindCompatAccessToken, KindCompatRefreshToken} {
		if strings.HasPrefix(tok, k.Prefix()) {
			return k, true
		}
	}
	return 0, false
}

// checksum is the CRC-32 of the payload, base62-encoded and zero-padded to
// a fixed width.
func checksum(payload string) string {
	crc := crc32.ChecksumIEEE([]byte(payload))
	var out [checksumLen]byte
	for i := checksumLen - 1; i >= 0; i-- {
		out[i] = alphabet[crc%62]
		crc /= 62
	}
	return string(out[:])
}

// randString draws n characters uniformly from the base62 alphabet using
// rejection sampling to avoid modulo bias.
func randString(rng io.Reader, n int) (string, error) {
	const max = 248 // largest multiple of 62 below 256
	out := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(out) < n {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return "", err
		}
		if buf[0] >= max {
			continue
		}
		out = append(out, alphabet[buf[0]%62])
	}
	return string(out), nil
}
