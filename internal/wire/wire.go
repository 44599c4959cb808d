// Package wire defines the JSON messages exchanged with the browser
// extension over the relay. Every message is an Envelope whose payload
// carries no plaintext secrets: all sensitive fields are base64 AES-GCM
// ciphertext under a session-derived key.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SchemeVersion is the protocol scheme this implementation speaks.
const SchemeVersion = 1

var (
	// ErrAppUpdateRequired is returned when the peer speaks a newer scheme
	// than this build supports.
	ErrAppUpdateRequired = errors.New("app update required for peer scheme version")

	// ErrExtensionUpdateRequired is returned when the peer's scheme is too
	// old; one version behind is still accepted.
	ErrExtensionUpdateRequired = errors.New("extension update required for peer scheme version")
)

// ValidateScheme checks a peer scheme version against the supported window.
func ValidateScheme(peer int) error {
	if peer > SchemeVersion {
		return ErrAppUpdateRequired
	}
	if peer < SchemeVersion-1 {
		return ErrExtensionUpdateRequired
	}
	return nil
}

// Action discriminates message types on the wire.
type Action string

// Wire actions. Every exchange is strictly request/response; only
// ActionCloseWithError is fire-and-forget.
const (
	ActionHello             Action = "hello"
	ActionChallenge         Action = "challenge"
	ActionPull              Action = "pull"
	ActionPullAction        Action = "pullAction"
	ActionInitTransfer      Action = "initTransfer"
	ActionTransferChunk     Action = "transferChunk"
	ActionTransferChunkLast Action = "transferChunkLast"
	ActionCloseWithSuccess  Action = "closeWithSuccess"
	ActionCloseWithError    Action = "closeWithError"
)

// Envelope is the outer frame of every message.
type Envelope struct {
	Scheme        int             `json:"scheme"`
	Origin        string          `json:"origin"`
	OriginVersion string          `json:"originVersion"`
	ID            string          `json:"id"`
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an outbound envelope with a fresh message id.
func NewEnvelope(origin, originVersion string, action Action, payload any) (*Envelope, error) {
	env := &Envelope{
		Scheme:        SchemeVersion,
		Origin:        origin,
		OriginVersion: originVersion,
		ID:            uuid.NewString(),
		Action:        action,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", action, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: missing expected payload", e.Action)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Action, err)
	}
	return nil
}
