package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Raw-hash digest algorithms.
const (
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"
)

type rawHashVerifier struct {
	algorithm string
	sum       func([]byte) []byte
}

func newRawHash(algorithm string) (rawHashVerifier, error) {
	switch algorithm {
	case AlgorithmSHA256:
		return rawHashVerifier{algorithm: algorithm, sum: func(b []byte) []byte {
			d := sha256.Sum256(b)
			return d[:]
		}}, nil
	case AlgorithmBLAKE3:
		return rawHashVerifier{algorithm: algorithm, sum: func(b []byte) []byte {
			d := blake3.Sum256(b)
			return d[:]
		}}, nil
	}
	return rawHashVerifier{}, fmt.Errorf("unknown raw-hash algorithm %q", algorithm)
}

func (r rawHashVerifier) Scheme() Scheme { return SchemeRawHash }
func (r rawHashVerifier) Header() string { return HeaderRawHash }

func (r rawHashVerifier) digest(payload []byte, secret string) []byte {
	buf := make([]byte, 0, len(payload)+len(secret))
	buf = append(buf, payload...)
	buf = append(buf, secret...)
	return r.sum(buf)
}

func (r rawHashVerifier) Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign: %s", ReasonMissingSecret)
	}
	return hex.EncodeToString(r.digest(payload, secret)), nil
}

func (r rawHashVerifier) Verify(payload []byte, signature, secret string) Result {
	if res, next := precheck(signature, secret); !next {
		return res
	}
	return verifyHex(r.digest(payload, secret), signature)
}
