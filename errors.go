package vaultlink

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() checks
var (
	// ErrClientClosed is returned when operations are attempted on a closed client.
	ErrClientClosed = errors.New("client has been closed")

	// ErrCancelled is returned when the caller cancels a session or the
	// user rejects a remote action.
	ErrCancelled = errors.New("session cancelled")

	// ErrRelayClosed is returned when the peer or relay closes the socket
	// mid-session.
	ErrRelayClosed = errors.New("relay connection closed")

	// ErrSaltVerification is returned when the peer's key confirmation does
	// not match. The session aborts before any sensitive data is sent.
	ErrSaltVerification = errors.New("salt verification failed")

	// ErrBadPeerKey is returned when a peer public key cannot be parsed.
	ErrBadPeerKey = errors.New("invalid peer public key")

	// ErrUnknownPeer is returned when a wake signal or session references a
	// peer with no pairing record.
	ErrUnknownPeer = errors.New("no pairing record for peer")

	// ErrMissingSessionID is returned when a pairing record has no rotating
	// session id to correlate the connection with.
	ErrMissingSessionID = errors.New("pairing record has no session id")

	// ErrBadWakeSignal is returned when a wake signal is malformed or its
	// signature does not verify.
	ErrBadWakeSignal = errors.New("invalid wake signal")

	// ErrMissingItem is returned when a remote action references an item
	// that does not exist in the vault.
	ErrMissingItem = errors.New("item not found")

	// ErrUnsupportedContentType is returned for remote actions on content
	// types this engine does not handle.
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrEncryptionFailed is returned when payload encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when a payload cannot be decrypted.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrSessionQueued is returned when a session for the same peer is
	// already in flight; the new request runs after it finishes.
	ErrSessionQueued = errors.New("session for peer already in flight, request queued")

	// ErrAppUpdateRequired is returned when the peer speaks a newer
	// protocol scheme than this build.
	ErrAppUpdateRequired = errors.New("app update required")

	// ErrExtensionUpdateRequired is returned when the peer's protocol
	// scheme is older than the supported window.
	ErrExtensionUpdateRequired = errors.New("extension update required")
)

// VaultLinkError is implemented by all typed SDK errors.
type VaultLinkError interface {
	error
	VaultLinkError() // marker method
}

// TransportError represents a socket-level failure. Always terminal for the
// session; retry policy belongs to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// VaultLinkError implements the VaultLinkError interface.
func (e *TransportError) VaultLinkError() {}

// HandshakeError represents a failure before the session key was confirmed.
type HandshakeError struct {
	Stage string // "scheme", "hello", "challenge", "saltVerification"
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrSaltVerification && e.Stage == "saltVerification"
}

// VaultLinkError implements the VaultLinkError interface.
func (e *HandshakeError) VaultLinkError() {}

// CryptoError represents a key-derivation or cipher failure. Terminal for
// the session; never silently swallowed.
type CryptoError struct {
	Stage string // "derive", "encrypt", "decrypt"
	Err   error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto failure at %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for sentinel error matching.
func (e *CryptoError) Is(target error) bool {
	switch e.Stage {
	case "encrypt":
		return target == ErrEncryptionFailed
	case "decrypt":
		return target == ErrDecryptionFailed
	}
	return false
}

// VaultLinkError implements the VaultLinkError interface.
func (e *CryptoError) VaultLinkError() {}

// ActionError represents a domain failure while executing a remote action.
// Where possible it is reported back to the peer as a structured
// close-with-error rather than a bare disconnect.
type ActionError struct {
	Kind    ActionKind
	Message string
	Err     error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action %s failed: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("action %s failed: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ActionError) Unwrap() error {
	return e.Err
}

// VaultLinkError implements the VaultLinkError interface.
func (e *ActionError) VaultLinkError() {}
