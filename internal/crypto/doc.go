// Package crypto provides the symmetric and signature primitives used by the
// pairing protocol: AES-256-GCM for all payload encryption, P-256 ECDSA
// verification for wake signals, and the base64/hex encodings the browser
// extension speaks on the wire.
package crypto
