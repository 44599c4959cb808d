package crypto

import (
	"encoding/base64"
	"encoding/hex"
)

// ToBase64 encodes bytes to standard base64 with padding, the encoding the
// browser extension uses for every ciphertext field on the wire.
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 decodes standard base64 (with padding) to bytes.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ToHex encodes bytes to lowercase hex.
func ToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// FromHex decodes a hex string to bytes.
func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
