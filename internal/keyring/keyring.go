// Package keyring performs the one-shot ephemeral key agreement with a
// paired browser extension and derives the purpose-scoped symmetric keys
// used for the rest of the session.
//
// Every key is produced by HKDF-SHA256 over the ECDH shared secret with a
// fixed label. Labels form a closed set: there is deliberately no label for
// the top-secret protection tier, so no key capable of moving that data off
// the device can be derived at all.
package keyring

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/vaultlink/connect-go/internal/crypto"
)

// KeySize is the output size of every derived key.
const KeySize = 32

// ErrSaltMismatch is returned when the peer's salt confirmation does not
// decrypt to this session's salt: the peer derived a different session key.
var ErrSaltMismatch = errors.New("salt confirmation mismatch")

// Label identifies the purpose of a derived key. Only the package-level
// label values exist; callers cannot construct new ones.
type Label struct {
	info string
}

var (
	// LabelData encrypts protocol control payloads: session-id rotation,
	// push tokens, expiration markers and pull-action envelopes.
	LabelData = Label{info: "data"}

	// LabelNewItem decrypts a secret the peer encrypted for an item that
	// does not exist locally yet.
	LabelNewItem = Label{info: "newItem"}

	// LabelSecureFieldNormal protects secret fields of normal-tier items.
	LabelSecureFieldNormal = Label{info: "secureField/normal"}

	// LabelSecureFieldConfirm protects secret fields of confirm-tier items.
	LabelSecureFieldConfirm = Label{info: "secureField/confirm"}

	// labelSession keys the salt-confirmation exchange during the
	// challenge step. Never used for payload data.
	labelSession = Label{info: "session"}
)

// Tier is the protection tier of a vault item. Wire values follow the
// extension's securityType field.
type Tier int

const (
	// TierTopSecret items never leave the device through this channel.
	TierTopSecret Tier = 0
	// TierConfirm items require explicit per-item consent to reveal.
	TierConfirm Tier = 1
	// TierNormal items are included in snapshots.
	TierNormal Tier = 2
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierTopSecret:
		return "topSecret"
	case TierConfirm:
		return "confirm"
	case TierNormal:
		return "normal"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier value.
func (t Tier) Valid() bool {
	return t == TierTopSecret || t == TierConfirm || t == TierNormal
}

// SecureFieldLabel maps a protection tier to the label that may touch its
// secret fields. The top-secret arm has no label: ok is false and no key
// for that tier can ever be derived.
func SecureFieldLabel(t Tier) (Label, bool) {
	switch t {
	case TierNormal:
		return LabelSecureFieldNormal, true
	case TierConfirm:
		return LabelSecureFieldConfirm, true
	default:
		return Label{}, false
	}
}

// Session holds the shared secret and salt for one transport session.
// It is never serialized and must be destroyed when the session ends.
type Session struct {
	secret []byte
	salt   []byte
	pubDER []byte
}

// Agree runs an ephemeral P-256 ECDH key agreement against the peer's
// ephemeral public key (compressed or uncompressed point encoding) and
// generates a fresh random HKDF salt. The local key pair never outlives
// the returned Session.
func Agree(peerPublic []byte) (*Session, error) {
	peer, err := crypto.ParseP256PublicKey(peerPublic)
	if err != nil {
		return nil, err
	}

	peerECDH, err := peer.ECDH()
	if err != nil {
		return nil, fmt.Errorf("peer key agreement form: %w", err)
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	secret, err := priv.ECDH(peerECDH)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	salt, err := crypto.GenerateRandom(crypto.SaltSize)
	if err != nil {
		return nil, err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("encode ephemeral public key: %w", err)
	}

	return &Session{secret: secret, salt: salt, pubDER: pubDER}, nil
}

// NewSession builds a Session from explicit material. Tests use it to pin
// the shared secret and salt.
func NewSession(secret, salt []byte) *Session {
	return &Session{
		secret: append([]byte(nil), secret...),
		salt:   append([]byte(nil), salt...),
	}
}

// PublicKeyDER returns the local ephemeral public key in PKIX DER form,
// as sent in the challenge message.
func (s *Session) PublicKeyDER() []byte {
	return s.pubDER
}

// Salt returns the HKDF salt for this session.
func (s *Session) Salt() []byte {
	return s.salt
}

// Derive produces the 32-byte key for the given label. It is deterministic
// in (secret, salt, label) and distinct labels never collide.
func (s *Session) Derive(label Label) ([]byte, error) {
	reader := hkdf.New(sha256.New, s.secret, s.salt, []byte(label.info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %q key: %w", label.info, err)
	}
	return key, nil
}

// ConfirmSalt checks the peer's challenge response: the session salt
// encrypted under the key both sides derive from the shared secret. A
// mismatch means the peer did not arrive at the same session key.
func (s *Session) ConfirmSalt(saltEnc []byte) error {
	key, err := s.Derive(labelSession)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(key)

	echoed, err := crypto.DecryptAES(key, saltEnc)
	if err != nil {
		return ErrSaltMismatch
	}

	if subtle.ConstantTimeCompare(echoed, s.salt) != 1 {
		return ErrSaltMismatch
	}
	return nil
}

// SealSalt encrypts the session salt under the salt-confirmation key. This
// is the peer's half of the challenge; it exists here so tests can play the
// extension side of the exchange.
func (s *Session) SealSalt() ([]byte, error) {
	key, err := s.Derive(labelSession)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(key)

	return crypto.EncryptAES(key, s.salt)
}

// Destroy zeroizes the session's secret material.
func (s *Session) Destroy() {
	crypto.Zeroize(s.secret)
	crypto.Zeroize(s.salt)
}
