package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"math/big"
)

// ParseP256PublicKey parses a NIST P-256 public key from its compressed
// (33-byte) or uncompressed (65-byte) point encoding.
func ParseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()

	var x, y *big.Int
	switch len(raw) {
	case P256CompressedSize:
		x, y = elliptic.UnmarshalCompressed(curve, raw)
	case P256UncompressedSize:
		x, y = elliptic.Unmarshal(curve, raw)
	default:
		return nil, ErrInvalidPublicKey
	}
	if x == nil {
		return nil, ErrInvalidPublicKey
	}

	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// VerifyP256 verifies a raw (r || s) P-256 ECDSA signature over the SHA-256
// digest of message. The public key may be compressed or uncompressed.
func VerifyP256(publicKey, message, signature []byte) error {
	pub, err := ParseP256PublicKey(publicKey)
	if err != nil {
		return err
	}

	if len(signature) != P256SignatureSize {
		return ErrInvalidSignatureSize
	}

	r := new(big.Int).SetBytes(signature[:P256SignatureSize/2])
	s := new(big.Int).SetBytes(signature[P256SignatureSize/2:])

	digest := sha256.Sum256(message)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrSignatureVerificationFailed
	}

	return nil
}
