// Package checkpoint mints and verifies signed, expiring run checkpoint
// tokens: "kt1." + base64url(payload) + "." + base64url(hmac-sha256(payload)).
//
// Invariants:
// - The signature is verified in constant time before the payload is parsed.
// - A token is only accepted when version, issuer, expiry, and the
//   configuration fingerprint all match the verifier's signing config.
// - Tokens are immutable values; cancelling via token mints a new one.
package checkpoint
