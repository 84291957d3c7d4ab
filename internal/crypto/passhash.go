// Package crypto implements server-side password hashing and verification.
//
// Hashes are versioned: records imported from legacy deployments carry the
// bcrypt scheme and are transparently re-hashed to argon2id the next time
// the password verifies.
package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hashing scheme versions, stored alongside each password record.
const (
	SchemeBcrypt   = 1 // legacy, migrated rows only
	SchemeArgon2id = 2
)

// LatestScheme is the scheme used for new hashes.
const LatestScheme = SchemeArgon2id

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
)

const saltLen = 16

// ErrPasswordMismatch indicates the password does not match the stored hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// Upgraded carries the replacement hash produced by an opportunistic re-hash.
type Upgraded struct {
	Version int
	Hash    []byte
	Salt    []byte
}

// RandSalt returns a fresh random salt drawn from rng.
func RandSalt(rng io.Reader) ([]byte, error) {
	b := make([]byte, saltLen)
	if _, err := io.ReadFull(rng, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash produces a hash of password at the latest scheme with a fresh salt.
func Hash(rng io.Reader, password []byte) (version int, hash, salt []byte, err error) {
	salt, err = RandSalt(rng)
	if err != nil {
		return 0, nil, nil, err
	}
	hash = argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return LatestScheme, hash, salt, nil
}

// Verify checks password against a stored hash of the given scheme version.
func Verify(version int, password, salt, hash []byte) error {
	switch version {
	case SchemeBcrypt:
		if err := bcrypt.CompareHashAndPassword(hash, password); err != nil {
			return ErrPasswordMismatch
		}
		return nil
	case SchemeArgon2id:
		got := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		if subtle.ConstantTimeCompare(got, hash) != 1 {
			return ErrPasswordMismatch
		}
		return nil
	default:
		return fmt.Errorf("unknown password scheme version %d", version)
	}
}

// VerifyAndUpgrade verifies password against the stored hash and, when the
// stored scheme is outdated, returns a replacement hash at the latest scheme.
// A nil Upgraded means the stored hash is already current.
func VerifyAndUpgrade(rng io.Reader, version int, password, salt, hash []byte) (*Upgraded, error) {
	if err := Verify(version, password, salt, hash); err != nil {
		return nil, err
	}
	if version == LatestScheme {
		return nil, nil
	}
	newVersion, newHash, newSalt, err := Hash(rng, password)
	if err != nil {
		return nil, fmt.Errorf("upgrade password hash: %w", err)
	}
	return &Upgraded{Version: newVersion, Hash: newHash, Salt: newSalt}, nil
}
