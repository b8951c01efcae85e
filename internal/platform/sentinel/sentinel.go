package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers
// return these (optionally wrapped) so services can translate them into domain
// errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: uniqueness or duplicate-suppression constraint hit
// - ErrExpired: verification code past its expiry
// - ErrExhausted: identifier generation ran out of attempts
// - ErrUnavailable: backing store temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrExpired     = errors.New("expired")
	ErrExhausted   = errors.New("exhausted")
	ErrUnavailable = errors.New("unavailable")
)
