// Package signature authenticates externally pushed payloads. Each supported scheme is a
// Verifier that can both sign and verify; all digest comparisons are constant-time.
package signature

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-spc/pkg/schema"
)

// Scheme identifies a signature layout.
type Scheme string

const (
	// SchemeHMAC is a bare hex HMAC-SHA256 of the payload.
	SchemeHMAC Scheme = "hmac"
	// SchemePrefixedHMAC is a hex HMAC-SHA256 behind an algorithm prefix, e.g. "sha256=<hex>".
	SchemePrefixedHMAC Scheme = "prefixed-hmac"
	// SchemeTimestampedHMAC signs "<t>.<payload>" and sends "t=<unix>,v1=<hex>".
	SchemeTimestampedHMAC Scheme = "timestamped-hmac"
	// SchemeRawHash is a hex digest of payload followed by the shared secret.
	SchemeRawHash Scheme = "raw-hash"
)

// Header names each scheme's signature travels in.
const (
	HeaderHMAC            = "x-webhook-signature"
	HeaderPrefixedHMAC    = "x-hub-signature-256"
	HeaderTimestampedHMAC = "stripe-signature"
	HeaderRawHash         = "x-webhook-hash"
)

// DefaultTolerance is the maximum age of a timestamped signature.
const DefaultTolerance = 300 * time.Second

// Failure reasons reported in Result.Reason.
const (
	ReasonMissingSecret    = "missing secret"
	ReasonMissingSignature = "missing signature"
	ReasonMalformed        = "malformed signature"
	ReasonStale            = "timestamp outside tolerance"
	ReasonMismatch         = "signature mismatch"
)

// Result is the outcome of one verification.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"error,omitempty"`
}

// Err returns nil for a valid result and a SignatureInvalid error otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", schema.ErrSignatureInvalid, r.Reason)
}

func ok() Result                { return Result{Valid: true} }
func fail(reason string) Result { return Result{Reason: reason} }

// Verifier signs and verifies payloads under one scheme.
type Verifier interface {
	Scheme() Scheme
	// Header is the lower-case header name the signature is read from.
	Header() string
	// Sign produces the scheme's canonical textual signature.
	Sign(payload []byte, secret string) (string, error)
	Verify(payload []byte, signature, secret string) Result
}

// Options tune scheme behaviour; zero values select defaults.
type Options struct {
	// Tolerance bounds the age of timestamped signatures.
	Tolerance time.Duration
	// Now is the clock used for timestamped signatures.
	Now func() time.Time
	// Prefix is the prefixed-hmac marker, "sha256=" by default.
	Prefix string
	// Algorithm selects the raw-hash digest: "sha256" (default) or "blake3".
	Algorithm string
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Prefix == "" {
		o.Prefix = "sha256="
	}
	if o.Algorithm == "" {
		o.Algorithm = AlgorithmSHA256
	}
	return o
}

// Schemes lists every supported scheme.
func Schemes() []Scheme {
	return []Scheme{SchemeHMAC, SchemePrefixedHMAC, SchemeTimestampedHMAC, SchemeRawHash}
}

// ParseScheme validates a scheme name.
func ParseScheme(s string) (Scheme, error) {
	for _, sc := range Schemes() {
		if string(sc) == strings.ToLower(strings.TrimSpace(s)) {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown signature scheme %q", s)
}

// New builds the verifier for scheme.
func New(scheme Scheme, opts Options) (Verifier, error) {
	opts = opts.withDefaults()
	switch scheme {
	case SchemeHMAC:
		return hmacVerifier{}, nil
	case SchemePrefixedHMAC:
		return prefixedVerifier{prefix: opts.Prefix}, nil
	case SchemeTimestampedHMAC:
		return timestampedVerifier{tolerance: opts.Tolerance, now: opts.Now}, nil
	case SchemeRawHash:
		h, err := newRawHash(opts.Algorithm)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	return nil, fmt.Errorf("unknown signature scheme %q", scheme)
}

// ConstantTimeEqual compares two byte slices without short-circuiting: lengths are checked
// first, then every byte pair is XOR-accumulated.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Lookup finds a header value case-insensitively. Multi-valued headers yield the first value.
func Lookup(headers map[string][]string, name string) string {
	for k, vals := range headers {
		if strings.EqualFold(k, name) && len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
	}
	return ""
}

// ExtractSignature returns the signature for v's scheme from headers.
func ExtractSignature(headers map[string][]string, v Verifier) string {
	return Lookup(headers, v.Header())
}

// precheck reports the reasons shared by every scheme.
func precheck(signature, secret string) (Result, bool) {
	if secret == "" {
		return fail(ReasonMissingSecret), false
	}
	if strings.TrimSpace(signature) == "" {
		return fail(ReasonMissingSignature), false
	}
	return Result{}, true
}
