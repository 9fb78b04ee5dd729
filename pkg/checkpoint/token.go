package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kestrelworks/kestrel/pkg/run"
)

// Version is the current token format version, covered by the "kt1." prefix.
const Version = 1

// Prefix is the fixed wire prefix for version 1 tokens.
const Prefix = "kt1."

// gzip magic number, used to detect compressed payload segments on decode.
var gzipMagic = []byte{0x1f, 0x8b}

// Signing is the shared configuration for minting and verifying tokens.
type Signing struct {
	// Secret keys the HMAC. Required.
	Secret []byte
	// Issuer names the minting service instance.
	Issuer string
	// TTL bounds token lifetime. Zero means tokens never expire.
	TTL time.Duration
	// Compress gzips the payload segment before signing.
	Compress bool
	// Fingerprint binds tokens to the current execution configuration.
	Fingerprint string
}

// Validate reports whether the config can sign tokens at all.
func (s Signing) Validate() error {
	if len(s.Secret) == 0 {
		return fmt.Errorf("signing secret is required")
	}
	if s.Issuer == "" {
		return fmt.Errorf("signing issuer is required")
	}
	return nil
}

// payload is the self-describing serialization embedded in a token.
// encoding/json emits struct fields in declaration order, so the byte
// representation is deterministic for a given state and config.
type payload struct {
	Version     int            `json:"v"`
	Issuer      string         `json:"iss"`
	RunID       string         `json:"run_id"`
	RequestID   string         `json:"request_id"`
	IssuedAtMS  int64          `json:"iat_ms"`
	ExpiresAtMS int64          `json:"exp_ms,omitempty"`
	Fingerprint string         `json:"cfg"`
	State       map[string]any `json:"state"`
}

// Decoded is the verified content of a token.
type Decoded struct {
	State     *run.State
	RunID     string
	RequestID string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero when the token does not expire
}

// Issue mints a token for the state's minimal snapshot. It is a pure
// function of (state, config) with no failure path: the payload is built
// from values that always serialize.
func Issue(st *run.State, cfg Signing) string {
	now := time.Now()
	p := payload{
		Version:     Version,
		Issuer:      cfg.Issuer,
		RunID:       st.RunID,
		RequestID:   st.RequestID,
		IssuedAtMS:  now.UnixMilli(),
		Fingerprint: cfg.Fingerprint,
		State:       st.SnapshotMap(),
	}
	if cfg.TTL > 0 {
		p.ExpiresAtMS = now.Add(cfg.TTL).UnixMilli()
	}

	raw, err := json.Marshal(p)
	if err != nil {
		// Snapshot maps only contain JSON-safe values.
		panic(fmt.Sprintf("checkpoint: payload marshal failed: %v", err))
	}
	if cfg.Compress {
		raw = gzipBytes(raw)
	}

	tag := mac(raw, cfg.Secret)
	return Prefix + base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(tag)
}

// Decode validates a token and recovers the embedded run state. Checks run
// in a fixed order: shape, signature (constant time), payload decode, then
// the semantic claims. Each failure category maps to its own error.
func Decode(token string, cfg Signing) (*Decoded, error) {
	if !strings.HasPrefix(token, Prefix) {
		return nil, ErrTokenFormat
	}
	body := token[len(Prefix):]
	dot := strings.IndexByte(body, '.')
	if dot < 0 || strings.IndexByte(body[dot+1:], '.') >= 0 {
		return nil, ErrTokenFormat
	}

	raw, err := base64.RawURLEncoding.DecodeString(body[:dot])
	if err != nil {
		return nil, ErrTokenFormat
	}
	tag, err := base64.RawURLEncoding.DecodeString(body[dot+1:])
	if err != nil {
		return nil, ErrTokenFormat
	}

	// Signature first, before anything in the payload is trusted.
	// hmac.Equal compares in constant time.
	if !hmac.Equal(tag, mac(raw, cfg.Secret)) {
		return nil, ErrTokenSignature
	}

	if bytes.HasPrefix(raw, gzipMagic) {
		raw, err = gunzipBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTokenPayload, err)
		}
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenPayload, err)
	}

	if p.Version != Version {
		return nil, fmt.Errorf("%w: got %d", ErrTokenVersion, p.Version)
	}
	if p.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("%w: got %q", ErrTokenIssuer, p.Issuer)
	}
	if p.ExpiresAtMS > 0 && time.Now().UnixMilli() > p.ExpiresAtMS {
		return nil, ErrTokenExpired
	}
	if p.Fingerprint != cfg.Fingerprint {
		return nil, ErrConfigMismatch
	}

	st, err := run.FromSnapshotMap(p.State)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenPayload, err)
	}
	if st.RunID != p.RunID || st.RequestID != p.RequestID {
		return nil, fmt.Errorf("%w: state identity disagrees with claims", ErrTokenPayload)
	}

	d := &Decoded{
		State:     st,
		RunID:     p.RunID,
		RequestID: p.RequestID,
		IssuedAt:  time.UnixMilli(p.IssuedAtMS).UTC(),
	}
	if p.ExpiresAtMS > 0 {
		d.ExpiresAt = time.UnixMilli(p.ExpiresAtMS).UTC()
	}
	return d, nil
}

// MarkCancelled decodes a token, forces the embedded run to cancelled with
// a human-readable result, and mints a fresh token. The input token is
// never modified.
func MarkCancelled(token string, cfg Signing, reason string) (string, error) {
	d, err := Decode(token, cfg)
	if err != nil {
		return "", err
	}

	st := d.State
	if st.Status.Terminal() {
		// Terminal runs stay as they ended; cancelling them is a no-op.
		return Issue(st, cfg), nil
	}

	st.PendingToolCalls = nil
	if err := st.PutStatus(run.StatusCancelled); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenPayload, err)
	}
	if reason == "" {
		reason = "cancelled by caller"
	}
	st.Result = "run cancelled: " + reason

	return Issue(st, cfg), nil
}

func mac(raw, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(raw)
	return h.Sum(nil)
}

func gzipBytes(raw []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(raw)
	zw.Close()
	return buf.Bytes()
}

func gunzipBytes(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
