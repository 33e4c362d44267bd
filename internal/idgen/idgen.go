// Package idgen provides cryptographically random ID generation.
//
// Entity IDs carry a short prefix so a raw ID in a log line or ledger
// reference is self-describing: pay_ (payments), dsp_ (disputes),
// pyt_ (payouts), led_ (ledger entries), sub_ (webhook subscriptions).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix generates a random ID with a prefix.
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// DepositCode generates a short human-typeable code a depositor embeds
// in the transfer comment. Lowercase hex so it survives the
// case-insensitive match on the verifier side.
func DepositCode() string {
	return "dep-" + Hex(4)
}
