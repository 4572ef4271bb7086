// Package token holds bearer-token primitives shared by the HTTP and WebSocket layers:
// JWT secret policy and log-safe token fingerprints.
//
// Environment:
// - IMNEXT_JWT_SECRET: HMAC secret used to verify identity-provider JWTs.
//
// Tokens are never logged. Fingerprint gives operators a stable handle to correlate
// rejected attempts without exposing the credential.
package token
