// Package webhook implements verification and decoding of inbound OPEN
// Platform webhook deliveries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 digest of the payload.
	SignatureHeader = "X-CC-Webhook-Signature"

	// TimestampHeader carries the integer unix timestamp the upstream signed
	// the delivery at. Deliveries outside the tolerance window are rejected
	// as stale or replayed.
	TimestampHeader = "X-CC-Webhook-Timestamp"

	// DefaultTolerance is the maximum accepted clock skew for a signed
	// timestamp.
	DefaultTolerance = 5 * time.Minute
)

// Verifier authenticates inbound webhook payloads. It is a pure predicate:
// any malformed input is a normal false result, never an error.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier for the given shared secret. A zero
// tolerance falls back to DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify reports whether the raw request body genuinely originated from the
// processor and is fresh. The digest is computed over the whitespace-stripped
// body, matching how the upstream canonicalizes payloads before signing.
func (v *Verifier) Verify(header http.Header, body []byte) bool {
	provided := header.Get(SignatureHeader)
	if provided == "" {
		return false
	}

	if ts := header.Get(TimestampHeader); ts != "" {
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return false
		}
		skew := v.now().Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return false
		}
	}

	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(stripWhitespace(body))
	return hmac.Equal(mac.Sum(nil), providedMAC)
}

// stripWhitespace removes all ASCII whitespace from the payload, the
// canonical form the upstream signs.
func stripWhitespace(body []byte) []byte {
	out := make([]byte, 0, len(body))
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			continue
		}
		out = append(out, b)
	}
	return out
}
