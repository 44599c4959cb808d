package crypto

import "errors"

var (
	// ErrInvalidKeySize is returned when the AES key size is invalid.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonceSize is returned when the nonce size is invalid.
	ErrInvalidNonceSize = errors.New("invalid nonce size")

	// ErrDecryptionFailed is returned when AEAD decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidPublicKey is returned when a P-256 point cannot be parsed.
	ErrInvalidPublicKey = errors.New("invalid public key")

	// ErrInvalidSignatureSize is returned when a raw ECDSA signature has
	// the wrong length.
	ErrInvalidSignatureSize = errors.New("invalid signature size")

	// ErrSignatureVerificationFailed is returned when ECDSA verification fails.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")
)
