package crypto

import (
	"crypto/rand"
	"fmt"
)

// GenerateRandom returns n cryptographically random bytes.
func GenerateRandom(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// Zeroize overwrites the buffer with zeros. Used to drop session key
// material as soon as it is no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
