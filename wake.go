package vaultlink

import (
	"context"
	"fmt"
	"strings"

	"github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/wire"
)

// SessionInfo is the out-of-band pairing bootstrap, typically scanned from
// a QR code shown by the browser extension. Keys are lowercase hex.
type SessionInfo struct {
	// SessionID names the relay channel to join.
	SessionID string

	// PeerPublicKey is the extension's long-term P-256 public key.
	PeerPublicKey string

	// PeerEphemeralKey is the extension's ephemeral P-256 key for this
	// session's key agreement.
	PeerEphemeralKey string

	// Scheme is the protocol scheme version the extension announced.
	Scheme int
}

// WakeSignal is an authenticated request from a paired extension to open a
// pull session. It carries no session state itself; it is valid only if its
// signature verifies against the stored pairing record.
type WakeSignal struct {
	// PeerPublicKey is the extension's long-term key, base64.
	PeerPublicKey string `json:"pkPersBe"`

	// EphemeralKey is the extension's ephemeral key for this session, base64.
	EphemeralKey string `json:"pkEpheBe"`

	// Timestamp is the signal creation time in unix seconds.
	Timestamp int64 `json:"timestamp"`

	// Signature is a raw (r || s) P-256 ECDSA signature, base64.
	Signature string `json:"sigPush"`

	// Scheme is the announced protocol scheme; zero means version 1.
	Scheme int `json:"scheme,omitempty"`
}

// scheme normalizes the announced scheme version.
func (w WakeSignal) scheme() int {
	if w.Scheme == 0 {
		return 1
	}
	return w.Scheme
}

// VerifyWakeSignal checks a wake signal against the stored pairing record
// for its peer. It returns the record on success. No key agreement happens
// here; an unverifiable signal never starts a session.
func (c *Client) VerifyWakeSignal(ctx context.Context, signal WakeSignal) (*PairingRecord, error) {
	peerKey, err := crypto.FromBase64(signal.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrBadWakeSignal, err)
	}

	ephemeralKey, err := crypto.FromBase64(signal.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrBadWakeSignal, err)
	}

	signature, err := crypto.FromBase64(signal.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrBadWakeSignal, err)
	}

	record, err := c.store.Get(ctx, crypto.ToHex(peerKey))
	if err != nil {
		return nil, err
	}

	if len(record.NextSessionID) == 0 {
		return nil, ErrMissingSessionID
	}

	if err := wire.ValidateScheme(signal.scheme()); err != nil {
		return nil, wrapSchemeError(err)
	}

	message := wakeSignalMessage(record.NextSessionID, c.cfg.deviceID, ephemeralKey, signal.Timestamp)
	if err := crypto.VerifyP256(peerKey, message, signature); err != nil {
		c.cfg.log.Warn().Str("peer", record.ID).Msg("wake signal signature rejected")
		return nil, fmt.Errorf("%w: %v", ErrBadWakeSignal, err)
	}

	return record, nil
}

// wakeSignalMessage builds the signed byte string: the lowercase
// concatenation of session id hex, device id, ephemeral key hex and the
// timestamp.
func wakeSignalMessage(sessionID []byte, deviceID string, ephemeralKey []byte, timestamp int64) []byte {
	msg := fmt.Sprintf("%s%s%s%d",
		crypto.ToHex(sessionID),
		deviceID,
		crypto.ToHex(ephemeralKey),
		timestamp,
	)
	return []byte(strings.ToLower(msg))
}

// wrapSchemeError maps wire scheme-window errors to public sentinels.
func wrapSchemeError(err error) error {
	switch err {
	case wire.ErrAppUpdateRequired:
		return ErrAppUpdateRequired
	case wire.ErrExtensionUpdateRequired:
		return ErrExtensionUpdateRequired
	default:
		return err
	}
}
