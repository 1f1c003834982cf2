// Package idgen mints random identifiers.
//
// IDs are generated from crypto/rand; a failing system entropy source is
// unrecoverable, so generation panics rather than handing out guessable
// IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func mustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: entropy source failed: " + err.Error())
	}
	return b
}

// New returns a UUID-shaped random identifier
// (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
func New() string {
	b := mustRandom(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix followed by 24 random hex characters, the
// house style for entity IDs ("ord_", "txn_", "esc_", "wal_").
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(mustRandom(12))
}

// Hex returns 2*numBytes random hex characters.
func Hex(numBytes int) string {
	return hex.EncodeToString(mustRandom(numBytes))
}
