// Package auth provides judge authentication for the TrailScore station gateway.
//
// It implements the station-scoped session lifecycle:
//   - Dual-secret JWT access/refresh tokens: the access secret is exercised on
//     every request, the refresh secret only at the rotation endpoint, so a
//     leak of one does not compromise the other
//   - Refresh tokens stored only as SHA-256 digests, one digest per session,
//     rotated atomically on every refresh (compare-and-replace)
//   - Stale-refresh reuse detection: whichever holder of a rotated-out token
//     tries it second is rejected and the session is revoked
//   - Argon2id PIN hashing for the local judge roster
//
// Two session registry backends are provided: SQLite for a single gateway and
// Redis for venues running several gateways against one roster.
//
// Token verification failures are deliberately uniform: a bad signature and an
// expired token both surface as ErrTokenInvalid so callers cannot distinguish
// which check failed.
package auth
