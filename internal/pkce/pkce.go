// Package pkce implements Proof Key for Code Exchange (RFC 7636) challenge
// computation and verification.
package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// Method is a code-challenge transformation method.
type Method string

const (
	// MethodPlain uses the verifier itself as the challenge.
	MethodPlain Method = "plain"
	// MethodS256 uses base64url-no-pad(SHA-256(verifier)).
	MethodS256 Method = "S256"
)

// Verification errors. These are compared with errors.Is by callers mapping
// them to OAuth2 error responses.
var (
	ErrTooShort               = errors.New("code_verifier should be at least 43 characters long")
	ErrTooLong                = errors.New("code_verifier should be at most 128 characters long")
	ErrInvalidCharacters      = errors.New("code_verifier contains invalid characters")
	ErrVerificationFailed     = errors.New("challenge verification failed")
	ErrUnknownChallengeMethod = errors.New("unknown challenge method")
)

func validateVerifier(verifier string) error {
	if len(verifier) < 43 {
		return ErrTooShort
	}
	if len(verifier) > 128 {
		return ErrTooLong
	}
	for _, c := range verifier {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return ErrInvalidCharacters
		}
	}
	return nil
}

// ComputeChallenge computes the challenge for a verifier, after validating
// the verifier against the RFC's length and character rules.
func ComputeChallenge(method Method, verifier string) (string, error) {
	if err := validateVerifier(verifier); err != nil {
		return "", err
	}
	switch method {
	case MethodPlain:
		return verifier, nil
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	default:
		return "", ErrUnknownChallengeMethod
	}
}

// Verify checks that the verifier matches the previously recorded challenge.
func Verify(method Method, challenge, verifier string) error {
	computed, err := ComputeChallenge(method, verifier)
	if err != nil {
		return err
	}
	if computed != challenge {
		return ErrVerificationFailed
	}
	return nil
}
