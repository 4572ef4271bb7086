// Package identity is the boundary to the external identity provider.
//
// It verifies bearer tokens into an Identity (user id + email), validates user ids,
// and remembers which identities have authenticated so the realtime layer can
// reject messages addressed to unknown users when strict mode is enabled.
//
// Token issuance and credential storage live in the identity provider, not here.
package identity
