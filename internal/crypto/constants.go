package crypto

const (
	// AESKeySize is the size of an AES-256 key in bytes.
	AESKeySize = 32
	// AESNonceSize is the size of an AES-GCM nonce in bytes.
	AESNonceSize = 12
	// AESTagSize is the size of an AES-GCM authentication tag in bytes.
	AESTagSize = 16

	// SessionIDSize is the size of a rotating session identifier in bytes.
	SessionIDSize = 16
	// SaltSize is the size of the HKDF salt exchanged during the challenge.
	SaltSize = 16

	// P256CompressedSize is the size of a compressed NIST P-256 point.
	P256CompressedSize = 33
	// P256UncompressedSize is the size of an uncompressed NIST P-256 point.
	P256UncompressedSize = 65
	// P256SignatureSize is the size of a raw (r || s) P-256 ECDSA signature.
	P256SignatureSize = 64
)
