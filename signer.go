package apiclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Header names for API-key signed requests. The server recomputes the same
// canonical payload from these headers and the request and rejects on
// mismatch or on a timestamp outside its replay window.
const (
	HeaderAPIKey    = "X-Api-Key"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderSignature = "X-Signature"
)

// Signature is the timestamp/MAC pair attached to a signed request.
type Signature struct {
	Timestamp string
	Signature string
}

// Sign computes the request signature for API-key mode.
//
// The canonical payload is
//
//	METHOD + "\n" + pathWithQuery + "\n" + timestamp + "\n" + body
//
// where timestamp is the unix time in whole seconds and body is the serialized
// JSON body, or "{}" when the request has none. The signature is the lowercase
// hex HMAC-SHA256 of the payload under the shared secret. Sign is
// deterministic for a fixed instant; the secret exists only transiently on the
// stack and is never retained or logged.
func Sign(method, pathWithQuery string, body []byte, secret string, now time.Time) Signature {
	ts := strconv.FormatInt(now.Unix(), 10)
	payload := strings.ToUpper(method) + "\n" + pathWithQuery + "\n" + ts + "\n" + canonicalBody(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return Signature{Timestamp: ts, Signature: hex.EncodeToString(mac.Sum(nil))}
}

func canonicalBody(body []byte) string {
	if len(body) == 0 {
		return "{}"
	}
	return string(body)
}

// VerifySignature recomputes the canonical payload and compares MACs in
// constant time. The client itself never verifies; this exists for test
// doubles and server-side use.
func VerifySignature(method, pathWithQuery string, body []byte, secret string, sig Signature) bool {
	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	if err != nil {
		return false
	}
	expected := Sign(method, pathWithQuery, body, secret, time.Unix(ts, 0))
	return hmac.Equal([]byte(expected.Signature), []byte(sig.Signature))
}
