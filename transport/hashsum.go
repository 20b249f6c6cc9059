package transport

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
)

// Hashsum computes the dapp-message integrity hash: the reverse of the
// first 8 bytes of SHA-256 over the UTF-8 JSON encoding of body, rendered as
// a decimal big-integer string.
//
// timestamp is accepted but intentionally unused — the source this was
// distilled from takes the parameter without mixing it in, and spec.md §9
// flags this as an open question (replay protection handled elsewhere, or a
// bug) that implementers should not resolve by fabricating a mix. The
// signature is preserved as-is.
func Hashsum(body any, timestamp int64) (string, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	first8 := sum[:8]
	reversed := make([]byte, 8)
	for i, b := range first8 {
		reversed[7-i] = b
	}
	n := new(big.Int).SetBytes(reversed)
	return n.String(), nil
}
