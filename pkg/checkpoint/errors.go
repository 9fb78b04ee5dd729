package checkpoint

import "errors"

// Decode failures, one sentinel per category so callers can tell a forged
// token from a stale or foreign one.
var (
	ErrTokenFormat    = errors.New("checkpoint: malformed token")
	ErrTokenSignature = errors.New("checkpoint: signature mismatch")
	ErrTokenPayload   = errors.New("checkpoint: undecodable payload")
	ErrTokenVersion   = errors.New("checkpoint: unsupported token version")
	ErrTokenIssuer    = errors.New("checkpoint: issuer mismatch")
	ErrTokenExpired   = errors.New("checkpoint: token expired")
	ErrConfigMismatch = errors.New("checkpoint: configuration fingerprint mismatch")
)
