// Package session holds the signed-in state of one client connection.
//
// Access tokens are PASETO v4.public, minted by the identity service and
// verified here. A Session is an explicit object owned by the connection:
// it exposes the current user and notifies subscribers on sign-in, sign-out
// and expiry. There is no process-wide auth state.
package session
