package auth

import "errors"

var (
	// ErrUnauthorized is returned when no valid credential identifies the caller,
	// the device is unknown, or the device token id does not match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidToken is returned for malformed or undecodable token payloads.
	ErrInvalidToken = errors.New("invalid token")

	// ErrBadRequest is returned when required sign-in or sign-up input is missing.
	ErrBadRequest = errors.New("bad request")

	// ErrEmailAlreadyInUse is the stable message surfaced for email uniqueness violations.
	ErrEmailAlreadyInUse = errors.New("email address already in use")

	// ErrForbidden is returned when an identity lacks every role a route requires.
	ErrForbidden = errors.New("forbidden")
)
