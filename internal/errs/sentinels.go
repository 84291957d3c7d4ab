// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g. token string collision).
	// Token collisions are retryable: regenerate and insert again.
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrExpired indicates the entity's expiry is in the past.
	ErrExpired = errors.New("expired")

	// ErrFinished indicates a mutation was attempted on a finished session.
	ErrFinished = errors.New("session already finished")

	// ErrPolicyDenied indicates the policy engine reported violations.
	ErrPolicyDenied = errors.New("denied by policy")
)
