package vaultlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/keyring"
	"github.com/vaultlink/connect-go/internal/wire"
)

// Pairing progress milestones, chosen so the transfer phase dominates the
// visible range.
const (
	progressHello     = 0.25
	progressChallenge = 0.4
	progressConfirmed = 0.5
	progressTransfer  = 0.6
	progressChunks    = 0.9
	progressDone      = 1.0
)

// Pair connects to a not-yet-paired extension using the bootstrap material
// from its QR code, runs the handshake and pushes the initial tier-filtered
// vault snapshot. On success a pairing record with a fresh rotating session
// id is persisted; the peer can then request pull sessions via wake
// signals.
//
// Pair blocks until the session resolves. It returns ErrSessionQueued when
// a session with the same peer is already in flight.
func (c *Client) Pair(ctx context.Context, info SessionInfo, opts ...PairOption) error {
	pcfg := &pairConfig{}
	for _, opt := range opts {
		opt(pcfg)
	}

	scheme := info.Scheme
	if scheme == 0 {
		scheme = 1
	}
	if err := wire.ValidateScheme(scheme); err != nil {
		return wrapSchemeError(err)
	}

	peerKey, err := crypto.FromHex(info.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	peerEphemeral, err := crypto.FromHex(info.PeerEphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: ephemeral: %v", ErrBadPeerKey, err)
	}

	return c.runSession(ctx, crypto.ToHex(peerKey), info.SessionID, func(ctx context.Context, s *session) error {
		return c.pushVault(ctx, s, crypto.ToHex(peerKey), peerEphemeral, pcfg)
	})
}

// pushVault is the pairing orchestrator body. It owns the session key
// material for exactly the lifetime of the exchange.
func (c *Client) pushVault(ctx context.Context, s *session, peerKeyHex string, peerEphemeral []byte, pcfg *pairConfig) error {
	hello, err := s.hello(ctx, c.cfg.deviceID, c.cfg.deviceName, c.cfg.deviceOS, c.cfg.deviceType)
	if err != nil {
		return err
	}
	pcfg.report(progressHello)

	record, err := c.refreshRecord(ctx, peerKeyHex, hello)
	if err != nil {
		return err
	}
	pcfg.notifyPeerInfo(*record)

	ks, err := keyring.Agree(peerEphemeral)
	if err != nil {
		return &HandshakeError{Stage: "challenge", Err: err}
	}
	defer ks.Destroy()

	saltEnc, err := s.challenge(ctx, ks.PublicKeyDER(), ks.Salt())
	if err != nil {
		return err
	}
	pcfg.report(progressChallenge)

	if err := ks.ConfirmSalt(saltEnc); err != nil {
		return &HandshakeError{Stage: "saltVerification", Err: err}
	}
	pcfg.report(progressConfirmed)

	dataKey, err := ks.Derive(keyring.LabelData)
	if err != nil {
		return &CryptoError{Stage: "derive", Err: err}
	}
	defer crypto.Zeroize(dataKey)

	nextSessionID, err := crypto.GenerateRandom(crypto.SessionIDSize)
	if err != nil {
		return err
	}

	snapshot, err := c.exportSnapshot(ctx, ks)
	if err != nil {
		return err
	}

	t, err := c.sealSnapshot(snapshot, dataKey)
	if err != nil {
		return err
	}

	payload, err := c.transferPayload(dataKey, nextSessionID)
	if err != nil {
		return err
	}

	if err := s.initTransfer(ctx, t, payload); err != nil {
		return err
	}
	pcfg.report(progressTransfer)

	if err := s.sendChunks(ctx, t, pcfg.progress, progressTransfer, progressChunks); err != nil {
		return err
	}

	// The peer already holds the rotated id from the transfer payload, so
	// the record is persisted before the close exchange; a lost close
	// message must not strand the pairing.
	record.NextSessionID = nextSessionID
	record.LastConnected = time.Now()
	if err := c.store.Put(ctx, record); err != nil {
		return fmt.Errorf("persist pairing record: %w", err)
	}

	if err := s.closeSuccess(ctx); err != nil {
		return err
	}

	pcfg.report(progressDone)
	c.cfg.log.Info().Str("peer", record.ID).Int("chunks", t.TotalChunks()).Msg("vault pushed")
	return nil
}

// transferPayload builds the initTransfer fields that travel encrypted
// under the data key. The expiration marker, when configured, is RFC 3339.
func (c *Client) transferPayload(dataKey, nextSessionID []byte) (wire.InitTransferPayload, error) {
	sessionIDEnc, err := sealBase64(dataKey, nextSessionID)
	if err != nil {
		return wire.InitTransferPayload{}, err
	}

	tokenEnc, err := sealBase64(dataKey, []byte(c.cfg.pushToken))
	if err != nil {
		return wire.InitTransferPayload{}, err
	}

	payload := wire.InitTransferPayload{
		PushTokenEnc:    tokenEnc,
		NewSessionIDEnc: sessionIDEnc,
	}

	if !c.cfg.accountExpiry.IsZero() {
		expEnc, err := sealBase64(dataKey, []byte(c.cfg.accountExpiry.Format(time.RFC3339)))
		if err != nil {
			return wire.InitTransferPayload{}, err
		}
		payload.ExpirationEnc = expEnc
	}
	return payload, nil
}

// refreshRecord loads the pairing record for the peer, creating one on
// first contact, and refreshes the identity fields from the hello response.
// The record is not persisted here; that happens together with the
// session-id rotation once the peer has been handed the new id.
func (c *Client) refreshRecord(ctx context.Context, peerKeyHex string, hello wire.HelloResponse) (*PairingRecord, error) {
	record, err := c.store.Get(ctx, peerKeyHex)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownPeer):
		record = &PairingRecord{
			ID:             peerKeyHex[:16],
			PublicKey:      peerKeyHex,
			FirstConnected: time.Now(),
		}
	default:
		return nil, fmt.Errorf("load pairing record: %w", err)
	}

	record.Name = hello.BrowserName
	record.Version = hello.BrowserVersion
	record.Extension = hello.BrowserExtName
	return record, nil
}

// sealBase64 encrypts plaintext under key and encodes it for the wire.
func sealBase64(key, plaintext []byte) (string, error) {
	sealed, err := crypto.EncryptAES(key, plaintext)
	if err != nil {
		return "", &CryptoError{Stage: "encrypt", Err: err}
	}
	return crypto.ToBase64(sealed), nil
}

// openSealed decrypts a ciphertext produced by the peer under key.
func openSealed(key, sealed []byte) ([]byte, error) {
	plain, err := crypto.DecryptAES(key, sealed)
	if err != nil {
		return nil, &CryptoError{Stage: "decrypt", Err: err}
	}
	return plain, nil
}
