package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how old a signed timestamp may be before
// the payload is rejected as a possible replay.
const DefaultSignatureTolerance = 5 * time.Minute

// VerifySignature checks a Stripe-style signature header against the raw
// payload: header carries t=<unix> and one or more v1=<hex hmac> entries, and
// the expected MAC is HMAC-SHA256(secret, "<t>.<payload>"). All failures
// unwrap to ErrInvalidSignature.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	return verifySignatureAt(payload, header, secret, tolerance, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}

	var timestamp int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if timestamp == 0 || len(candidates) == 0 {
		return fmt.Errorf("%w: header missing t or v1", ErrInvalidSignature)
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		sig, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
}

// SignPayload produces a signature header for payload, for tests and local
// webhook replay tooling.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}
