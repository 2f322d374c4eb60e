package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func mac(secret string, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// verifyHex decodes a received hex digest and compares it with expected.
func verifyHex(expected []byte, received string) Result {
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil {
		return fail(ReasonMalformed)
	}
	if !ConstantTimeEqual(expected, got) {
		return fail(ReasonMismatch)
	}
	return ok()
}

type hmacVerifier struct{}

func (hmacVerifier) Scheme() Scheme { return SchemeHMAC }
func (hmacVerifier) Header() string { return HeaderHMAC }

func (hmacVerifier) Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign: %s", ReasonMissingSecret)
	}
	return hex.EncodeToString(mac(secret, payload)), nil
}

func (hmacVerifier) Verify(payload []byte, signature, secret string) Result {
	if r, next := precheck(signature, secret); !next {
		return r
	}
	return verifyHex(mac(secret, payload), signature)
}

type prefixedVerifier struct {
	prefix string
}

func (p prefixedVerifier) Scheme() Scheme { return SchemePrefixedHMAC }
func (p prefixedVerifier) Header() string { return HeaderPrefixedHMAC }

func (p prefixedVerifier) Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign: %s", ReasonMissingSecret)
	}
	return p.prefix + hex.EncodeToString(mac(secret, payload)), nil
}

func (p prefixedVerifier) Verify(payload []byte, signature, secret string) Result {
	if r, next := precheck(signature, secret); !next {
		return r
	}
	sig := strings.TrimSpace(signature)
	if !strings.HasPrefix(strings.ToLower(sig), strings.ToLower(p.prefix)) {
		return fail(ReasonMalformed)
	}
	return verifyHex(mac(secret, payload), sig[len(p.prefix):])
}

type timestampedVerifier struct {
	tolerance time.Duration
	now       func() time.Time
}

func (t timestampedVerifier) Scheme() Scheme { return SchemeTimestampedHMAC }
func (t timestampedVerifier) Header() string { return HeaderTimestampedHMAC }

func (t timestampedVerifier) signedPayload(ts string, payload []byte) []byte {
	buf := make([]byte, 0, len(ts)+1+len(payload))
	buf = append(buf, ts...)
	buf = append(buf, '.')
	return append(buf, payload...)
}

func (t timestampedVerifier) Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign: %s", ReasonMissingSecret)
	}
	ts := strconv.FormatInt(t.now().Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac(secret, t.signedPayload(ts, payload)))), nil
}

// parseTimestamped splits "t=<unix>,v1=<hex>[,v1=<hex>...]". Unknown keys are ignored.
func parseTimestamped(header string) (ts string, sigs []string, okay bool) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs, ts != "" && len(sigs) > 0
}

func (t timestampedVerifier) Verify(payload []byte, signature, secret string) Result {
	if r, next := precheck(signature, secret); !next {
		return r
	}
	ts, sigs, parsed := parseTimestamped(signature)
	if !parsed {
		return fail(ReasonMalformed)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fail(ReasonMalformed)
	}
	// Compared in whole seconds; time.Sub saturates for far-off timestamps.
	tol := int64(t.tolerance / time.Second)
	if d := t.now().Unix() - unix; d > tol || d < -tol {
		return fail(ReasonStale)
	}

	expected := mac(secret, t.signedPayload(ts, payload))
	matched := false
	for _, s := range sigs {
		// Every candidate is compared; no early exit on a match.
		if verifyHex(expected, s).Valid {
			matched = true
		}
	}
	if !matched {
		return fail(ReasonMismatch)
	}
	return ok()
}
