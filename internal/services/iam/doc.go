// Package iam is the IAM identity subsystem: email/password identities with
// scrypt credential accounts, opaque session cookies, short-lived bearer tokens
// bound to a session, and optional TOTP two-factor.
//
// The coexistence layer treats it as a collaborator behind the Service
// interface:
//
//   - VerifyBearerToken / VerifySessionCookie: used by the credential resolver
//   - CreateCredentialAccount, DeleteAccount, DeleteSessions, InvalidateSessions:
//     used by account sync and the identity mapper
//   - SignUpEmail, SignInEmail, IssueBearerToken and friends: used by the
//     IAM HTTP handlers
//
// Sessions are stored as SHA256 hashes of the cookie token. Bearer tokens are
// HS256 JWTs whose "sid" claim names the session they were issued from, so
// revoking a session also revokes every bearer token minted from it.
package iam
