package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// streamSkew bounds how far a stream timestamp may drift from the server clock.
const streamSkew = 5 * time.Minute

// verifySignature checks a "sha256=<hex>" HMAC of body.
func verifySignature(body []byte, signature string, secret string) bool {
	expected := Sign(body, secret)
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}

// SignStream returns the TimestampHeader and SignatureHeader values that
// authorize a websocket upgrade at now.
func SignStream(now time.Time, secret string) (timestamp, signature string) {
	timestamp = strconv.FormatInt(now.Unix(), 10)
	return timestamp, Sign([]byte(timestamp), secret)
}

// verifyStreamSignature checks a signed upgrade timestamp against now.
func verifyStreamSignature(timestamp, signature, secret string, now time.Time) bool {
	if timestamp == "" || signature == "" {
		return false
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := now.Sub(time.Unix(unix, 0))
	if drift > streamSkew || drift < -streamSkew {
		return false
	}
	return verifySignature([]byte(timestamp), signature, secret)
}
