package resilience

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is the equivalence key that maps a failure instance to a
// circuit-breaker cell: the error's dynamic type plus a stable hash of its
// message. blake2b keeps the hash stable across processes.
type Fingerprint string

// FingerprintOf computes the fingerprint for an error.
func FingerprintOf(err error) Fingerprint {
	if err == nil {
		return ""
	}
	sum := blake2b.Sum256([]byte(err.Error()))
	return Fingerprint(fmt.Sprintf("%T:%s", err, hex.EncodeToString(sum[:8])))
}
