package vaultlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/keyring"
)

// HandleWakeSignal verifies a wake signal against the peer's pairing record
// and, if it checks out, opens a pull session: the pending remote action is
// fetched, decrypted, gated on the approver and answered. The single-use
// session id from the record is consumed; a fresh one is rotated in during
// the exchange and persisted as soon as the action is answered.
//
// HandleWakeSignal blocks until the session resolves. A user rejection is
// reported as ErrCancelled after the cancel status reached the peer and the
// session closed cleanly. It returns ErrSessionQueued when a session with
// the same peer is already in flight.
func (c *Client) HandleWakeSignal(ctx context.Context, signal WakeSignal, opts ...PairOption) error {
	pcfg := &pairConfig{}
	for _, opt := range opts {
		opt(pcfg)
	}

	record, err := c.VerifyWakeSignal(ctx, signal)
	if err != nil {
		return err
	}

	peerEphemeral, err := crypto.FromBase64(signal.EphemeralKey)
	if err != nil {
		return fmt.Errorf("%w: ephemeral key: %v", ErrBadWakeSignal, err)
	}

	sessionID := crypto.ToHex(record.NextSessionID)
	return c.runSession(ctx, record.PublicKey, sessionID, func(ctx context.Context, s *session) error {
		return c.pullExchange(ctx, s, record, peerEphemeral, pcfg)
	})
}

// pullExchange is the pull orchestrator body: handshake, fetch, dispatch,
// respond, rotate.
func (c *Client) pullExchange(ctx context.Context, s *session, record *PairingRecord, peerEphemeral []byte, pcfg *pairConfig) error {
	hello, err := s.hello(ctx, c.cfg.deviceID, c.cfg.deviceName, c.cfg.deviceOS, c.cfg.deviceType)
	if err != nil {
		return err
	}
	record.Name = hello.BrowserName
	record.Version = hello.BrowserVersion
	record.Extension = hello.BrowserExtName
	pcfg.notifyPeerInfo(*record)
	pcfg.report(progressHello)

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

	// The peer learns the rotated id inside the pull request, so it is
	// generated before the fetch and persisted only after success.
	nextSessionID, err := crypto.GenerateRandom(crypto.SessionIDSize)
	if err != nil {
		return err
	}
	sessionIDEnc, err := crypto.EncryptAES(dataKey, nextSessionID)
	if err != nil {
		return &CryptoError{Stage: "encrypt", Err: err}
	}

	actionEnc, err := s.pull(ctx, sessionIDEnc)
	if err != nil {
		return err
	}

	raw, err := openSealed(dataKey, actionEnc)
	if err != nil {
		return err
	}

	// A rejection still answered the peer, so the exchange runs to its end;
	// the cancelled outcome surfaces only after the close.
	dispatchErr := c.dispatchAction(ctx, s, ks, dataKey, raw, pcfg)
	if dispatchErr != nil && !errors.Is(dispatchErr, ErrCancelled) {
		return dispatchErr
	}

	// The peer already holds the rotated id, so it is persisted before the
	// close exchange; a lost close message must not strand the pairing.
	record.NextSessionID = nextSessionID
	record.LastConnected = time.Now()
	if err := c.store.Put(ctx, record); err != nil {
		return fmt.Errorf("persist pairing record: %w", err)
	}

	if err := s.closeSuccess(ctx); err != nil {
		return err
	}

	pcfg.report(progressDone)
	return dispatchErr
}

// dispatchAction decodes the inner action envelope and routes it. The kind
// set is closed: anything else is a domain error reported to the peer.
func (c *Client) dispatchAction(ctx context.Context, s *session, ks *keyring.Session, dataKey, raw []byte, pcfg *pairConfig) error {
	var envelope actionEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &ActionError{Kind: "", Message: "malformed action envelope", Err: err}
	}

	c.cfg.log.Debug().Str("action", envelope.Kind.String()).Msg("remote action received")

	switch envelope.Kind {
	case ActionReadSecret:
		return c.handleReadSecret(ctx, s, ks, dataKey, raw)
	case ActionCreateItem:
		return c.handleCreateItem(ctx, s, ks, dataKey, raw)
	case ActionUpdateItem:
		return c.handleUpdateItem(ctx, s, ks, dataKey, raw)
	case ActionDeleteItem:
		return c.handleDeleteItem(ctx, s, dataKey, raw)
	case ActionFullResync:
		return c.handleFullResync(ctx, s, ks, dataKey, pcfg)
	default:
		return &ActionError{Kind: envelope.Kind, Message: "unknown action kind"}
	}
}

// approve runs the consent gate. A rejection is answered to the peer with
// the cancel status and then reported as ErrCancelled, so the session still
// closes cleanly before the outcome reaches the caller.
func (c *Client) approve(ctx context.Context, action Action) (Approval, error) {
	approval, err := c.approver(ctx, action)
	if err != nil {
		return Approval{}, &ActionError{Kind: action.Kind(), Message: "approver failed", Err: err}
	}
	return approval, nil
}

// reject sends the cancel status for kind and reports the rejection.
func (c *Client) reject(ctx context.Context, s *session, dataKey []byte, kind ActionKind) error {
	if err := c.respond(ctx, s, dataKey, actionResponse{Kind: kind, Status: StatusCancel}); err != nil {
		return err
	}
	c.cfg.log.Info().Str("action", kind.String()).Msg("remote action rejected")
	return ErrCancelled
}

func (c *Client) handleReadSecret(ctx context.Context, s *session, ks *keyring.Session, dataKey, raw []byte) error {
	var req readSecretRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &ActionError{Kind: ActionReadSecret, Message: "malformed request", Err: err}
	}

	item, err := c.exporter.Item(ctx, req.Data.ItemID)
	if err != nil {
		return &ActionError{Kind: ActionReadSecret, Message: "item lookup", Err: err}
	}

	approval, err := c.approve(ctx, ReadSecretAction{Item: item})
	if err != nil {
		return err
	}
	if !approval.Accepted {
		return c.reject(ctx, s, dataKey, ActionReadSecret)
	}

	result, err := c.exportItem(ctx, ks, item)
	if err != nil {
		return err
	}
	if result == nil {
		// Tier without a secure-field key; the secret cannot travel. The
		// restricted status tells the peer apart from a user rejection.
		c.cfg.log.Warn().Str("item", item.ID).Msg("secret read refused for restricted tier")
		return c.respond(ctx, s, dataKey, actionResponse{Kind: ActionReadSecret, Status: StatusAddedButRestricted})
	}

	return c.respond(ctx, s, dataKey, actionResponse{
		Kind:            ActionReadSecret,
		Status:          StatusAccept,
		ExpireInSeconds: resultExpirySeconds,
		Data:            result,
	})
}

func (c *Client) handleCreateItem(ctx context.Context, s *session, ks *keyring.Session, dataKey, raw []byte) error {
	var req createItemRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &ActionError{Kind: ActionCreateItem, Message: "malformed request", Err: err}
	}
	if req.Data.ContentType != ContentTypeLogin {
		return &ActionError{Kind: ActionCreateItem, Message: req.Data.ContentType, Err: ErrUnsupportedContentType}
	}

	username, err := decodeDirective(nil, &req.Data.Content.Username)
	if err != nil {
		return &ActionError{Kind: ActionCreateItem, Message: "username directive", Err: err}
	}

	// New-item secrets arrive under the dedicated key so a leaked snapshot
	// key never opens them.
	newItemKey, err := ks.Derive(keyring.LabelNewItem)
	if err != nil {
		return &CryptoError{Stage: "derive", Err: err}
	}
	defer crypto.Zeroize(newItemKey)

	password, err := decodeDirective(newItemKey, &req.Data.Content.Password)
	if err != nil {
		return &ActionError{Kind: ActionCreateItem, Message: "password directive", Err: err}
	}

	draft := ItemDraft{
		Name:     req.Data.Content.URL,
		Username: username,
		Password: password,
		URIs:     []string{req.Data.Content.URL},
	}

	approval, err := c.approve(ctx, CreateItemAction{Draft: draft})
	if err != nil {
		return err
	}
	if !approval.Accepted {
		return c.reject(ctx, s, dataKey, ActionCreateItem)
	}

	id, err := c.gate.CreateItem(ctx, draft)
	if err != nil {
		return &ActionError{Kind: ActionCreateItem, Message: "create item", Err: err}
	}
	if approval.ItemID != "" {
		id = approval.ItemID
	}

	return c.respondWithItem(ctx, s, ks, dataKey, ActionCreateItem, StatusAdded, id)
}

func (c *Client) handleUpdateItem(ctx context.Context, s *session, ks *keyring.Session, dataKey, raw []byte) error {
	var req updateItemRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &ActionError{Kind: ActionUpdateItem, Message: "malformed request", Err: err}
	}
	if req.Data.ContentType != "" && req.Data.ContentType != ContentTypeLogin {
		return &ActionError{Kind: ActionUpdateItem, Message: req.Data.ContentType, Err: ErrUnsupportedContentType}
	}

	item, err := c.exporter.Item(ctx, req.Data.ItemID)
	if err != nil {
		return &ActionError{Kind: ActionUpdateItem, Message: "item lookup", Err: err}
	}

	draft := ItemDraft{
		Name: req.Data.Content.Name,
		Tags: req.Data.Tags,
	}
	if req.Data.Content.Notes != nil {
		draft.Notes = *req.Data.Content.Notes
	}
	for _, uri := range req.Data.Content.URIs {
		draft.URIs = append(draft.URIs, uri.Text)
	}
	if req.Data.SecurityType != nil {
		tier := ProtectionTier(*req.Data.SecurityType)
		if !tier.Valid() {
			return &ActionError{Kind: ActionUpdateItem, Message: fmt.Sprintf("security type %d", *req.Data.SecurityType)}
		}
		draft.Tier = &tier
	}

	if req.Data.Content.Username != nil {
		draft.Username, err = decodeDirective(nil, req.Data.Content.Username)
		if err != nil {
			return &ActionError{Kind: ActionUpdateItem, Message: "username directive", Err: err}
		}
	}

	if req.Data.Content.Password != nil {
		label, ok := keyring.SecureFieldLabel(item.Tier)
		if !ok {
			return &ActionError{Kind: ActionUpdateItem, Message: "item tier forbids remote secret changes"}
		}
		fieldKey, err := ks.Derive(label)
		if err != nil {
			return &CryptoError{Stage: "derive", Err: err}
		}
		defer crypto.Zeroize(fieldKey)

		draft.Password, err = decodeDirective(fieldKey, req.Data.Content.Password)
		if err != nil {
			return &ActionError{Kind: ActionUpdateItem, Message: "password directive", Err: err}
		}
	}

	approval, err := c.approve(ctx, UpdateItemAction{Item: item, Draft: draft})
	if err != nil {
		return err
	}
	if !approval.Accepted {
		return c.reject(ctx, s, dataKey, ActionUpdateItem)
	}

	if err := c.gate.UpdateItem(ctx, item.ID, draft); err != nil {
		return &ActionError{Kind: ActionUpdateItem, Message: "update item", Err: err}
	}

	return c.respondWithItem(ctx, s, ks, dataKey, ActionUpdateItem, StatusUpdated, item.ID)
}

func (c *Client) handleDeleteItem(ctx context.Context, s *session, dataKey, raw []byte) error {
	var req deleteItemRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &ActionError{Kind: ActionDeleteItem, Message: "malformed request", Err: err}
	}

	item, err := c.exporter.Item(ctx, req.Data.ItemID)
	if err != nil {
		return &ActionError{Kind: ActionDeleteItem, Message: "item lookup", Err: err}
	}

	approval, err := c.approve(ctx, DeleteItemAction{Item: item})
	if err != nil {
		return err
	}
	if !approval.Accepted {
		return c.reject(ctx, s, dataKey, ActionDeleteItem)
	}

	if err := c.gate.DeleteItem(ctx, item.ID); err != nil {
		return &ActionError{Kind: ActionDeleteItem, Message: "delete item", Err: err}
	}

	return c.respond(ctx, s, dataKey, actionResponse{Kind: ActionDeleteItem, Status: StatusAccept})
}

// handleFullResync answers a resync request with a fresh snapshot transfer:
// the announce travels through the pull-action channel, then the chunks
// stream over the same session.
func (c *Client) handleFullResync(ctx context.Context, s *session, ks *keyring.Session, dataKey []byte, pcfg *pairConfig) error {
	approval, err := c.approve(ctx, FullResyncAction{})
	if err != nil {
		return err
	}
	if !approval.Accepted {
		return c.reject(ctx, s, dataKey, ActionFullResync)
	}

	snapshot, err := c.exportSnapshot(ctx, ks)
	if err != nil {
		return err
	}

	t, err := c.sealSnapshot(snapshot, dataKey)
	if err != nil {
		return err
	}

	err = c.respond(ctx, s, dataKey, resyncAnnounce{
		Kind:        ActionFullResync,
		Status:      StatusAccept,
		TotalChunks: t.TotalChunks(),
		TotalSize:   t.TotalSize(),
		Digest:      t.Digest(),
	})
	if err != nil {
		return err
	}
	pcfg.report(progressTransfer)

	return s.sendChunks(ctx, t, pcfg.progress, progressTransfer, progressChunks)
}

// respondWithItem re-reads the stored item and sends the mutation result.
// When the item landed in a tier without a secure-field key, the status
// downgrades to addedButRestricted and the payload is omitted.
func (c *Client) respondWithItem(ctx context.Context, s *session, ks *keyring.Session, dataKey []byte, kind ActionKind, status ActionStatus, itemID string) error {
	item, err := c.exporter.Item(ctx, itemID)
	if err != nil {
		return &ActionError{Kind: kind, Message: "reload item", Err: err}
	}

	result, err := c.exportItem(ctx, ks, item)
	if err != nil {
		return err
	}
	if result == nil {
		return c.respond(ctx, s, dataKey, actionResponse{Kind: kind, Status: StatusAddedButRestricted})
	}

	tags, err := c.exporter.Tags(ctx)
	if err != nil {
		return &ActionError{Kind: kind, Message: "list tags", Err: err}
	}

	return c.respond(ctx, s, dataKey, actionResponse{
		Kind:   kind,
		Status: status,
		Data:   result,
		Tags:   tags,
	})
}

// respond seals an action result under the data key and returns it through
// the pull-action channel.
func (c *Client) respond(ctx context.Context, s *session, dataKey []byte, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode action result: %w", err)
	}

	sealed, err := crypto.EncryptAES(dataKey, raw)
	if err != nil {
		return &CryptoError{Stage: "encrypt", Err: err}
	}

	return s.pullAction(ctx, sealed)
}

// decodeDirective converts a wire field directive. With a key, the value is
// base64 ciphertext to open; with a nil key it is plaintext.
func decodeDirective(key []byte, fd *fieldDirective) (FieldDirective, error) {
	if fd.Action == directiveGenerate {
		return FieldDirective{Generate: true}, nil
	}
	if fd.Value == nil {
		return FieldDirective{}, nil
	}
	if key == nil {
		return FieldDirective{Value: *fd.Value}, nil
	}

	sealed, err := crypto.FromBase64(*fd.Value)
	if err != nil {
		return FieldDirective{}, err
	}
	plain, err := openSealed(key, sealed)
	if err != nil {
		return FieldDirective{}, err
	}
	return FieldDirective{Value: string(plain)}, nil
}
