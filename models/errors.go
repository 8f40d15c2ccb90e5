package models

import "errors"

var (
	// ErrInvalidProof marks a malformed or missing input attestation. The
	// caller has to re-encrypt and resubmit.
	ErrInvalidProof = errors.New("invalid input proof")

	// ErrNotAuthorized marks a call from an identity lacking the required role
	// or grant.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidPolicy marks a zero price, zero cap, null authority or an
	// otherwise unusable pricing policy.
	ErrInvalidPolicy = errors.New("invalid policy")
)
