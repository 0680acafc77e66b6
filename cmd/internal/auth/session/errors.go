package session

import "errors"

var (
	// ErrInvalidToken is returned when an access token fails verification or validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionExpired is returned when the signed-in token has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrUserMismatch is returned when a refreshed token names a different user
	// than the one already signed in on the connection.
	ErrUserMismatch = errors.New("session user mismatch")

	// ErrCannotIssue is returned by a verify-only manager asked to issue.
	ErrCannotIssue = errors.New("token manager cannot issue")

	// ErrSessionRevoked is returned when the token's session has been revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrSessionNotFound is returned when revoking without a session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)
