package vaultlink

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vcrypto "github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/keyring"
	"github.com/vaultlink/connect-go/internal/relay"
	"github.com/vaultlink/connect-go/internal/transfer"
	"github.com/vaultlink/connect-go/internal/wire"
)

// stubConn is an in-memory relay.Conn. Every frame written by the device is
// handed to the handler synchronously; a non-nil reply is queued for the
// device to read.
type stubConn struct {
	handler func([]byte) ([]byte, error)
	msgs    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newStubConn(handler func([]byte) ([]byte, error)) *stubConn {
	return &stubConn{
		handler: handler,
		msgs:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (c *stubConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return relay.ErrClosed
	default:
	}
	resp, err := c.handler(data)
	if err != nil {
		return err
	}
	if resp != nil {
		c.msgs <- resp
	}
	return nil
}

func (c *stubConn) Messages() <-chan []byte { return c.msgs }
func (c *stubConn) Done() <-chan struct{}   { return c.done }
func (c *stubConn) Err() error              { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// extensionSim plays the browser-extension side of the protocol. It owns a
// long-term identity key and a per-session ephemeral key and records
// everything the device sends.
type extensionSim struct {
	t        *testing.T
	identity *ecdsa.PrivateKey
	ephPriv  *ecdh.PrivateKey

	// pendingAction builds the plaintext action JSON for a pull session.
	// It runs after the handshake, when session keys exist.
	pendingAction func(e *extensionSim) []byte

	// corruptChallenge makes the salt confirmation wrong.
	corruptChallenge bool

	// failCloseSuccess drops the final success close, as a relay failure
	// at session end would.
	failCloseSuccess bool

	mu        sync.Mutex
	ks        *keyring.Session
	dataKey   []byte
	rotatedID []byte
	init      *wire.InitTransferPayload
	chunks    []transfer.Chunk
	results   [][]byte
	closedOK  bool
	closeErr  string
}

func newExtensionSim(t *testing.T) *extensionSim {
	t.Helper()

	identity, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ephPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &extensionSim{t: t, identity: identity, ephPriv: ephPriv}
}

func (e *extensionSim) identityPubBytes() []byte {
	pub, err := e.identity.PublicKey.ECDH()
	if err != nil {
		e.t.Fatal(err)
	}
	return pub.Bytes()
}

func (e *extensionSim) ephemeralPubBytes() []byte {
	return e.ephPriv.PublicKey().Bytes()
}

// sessionInfo builds the QR-code bootstrap for a pairing session.
func (e *extensionSim) sessionInfo(sessionID string) SessionInfo {
	return SessionInfo{
		SessionID:        sessionID,
		PeerPublicKey:    vcrypto.ToHex(e.identityPubBytes()),
		PeerEphemeralKey: vcrypto.ToHex(e.ephemeralPubBytes()),
		Scheme:           1,
	}
}

// wakeSignal builds and signs a wake signal for the given rotating session
// id, as a paired extension would.
func (e *extensionSim) wakeSignal(sessionID []byte, deviceID string) WakeSignal {
	e.t.Helper()

	ts := time.Now().Unix()
	message := wakeSignalMessage(sessionID, deviceID, e.ephemeralPubBytes(), ts)

	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, e.identity, digest[:])
	if err != nil {
		e.t.Fatal(err)
	}
	sig := make([]byte, vcrypto.P256SignatureSize)
	r.FillBytes(sig[:vcrypto.P256SignatureSize/2])
	s.FillBytes(sig[vcrypto.P256SignatureSize/2:])

	return WakeSignal{
		PeerPublicKey: vcrypto.ToBase64(e.identityPubBytes()),
		EphemeralKey:  vcrypto.ToBase64(e.ephemeralPubBytes()),
		Timestamp:     ts,
		Signature:     vcrypto.ToBase64(sig),
		Scheme:        1,
	}
}

// dialer returns a relay dialer serving this simulated extension and a
// counter of dial attempts.
func (e *extensionSim) dialer() (relay.Dialer, *atomic.Int32) {
	dials := new(atomic.Int32)
	dial := func(ctx context.Context, baseURL, sessionID string) (relay.Conn, error) {
		dials.Add(1)
		return newStubConn(e.handle), nil
	}
	return dial, dials
}

func (e *extensionSim) reply(env wire.Envelope, payload any) ([]byte, error) {
	resp := wire.Envelope{
		Scheme:        wire.SchemeVersion,
		Origin:        "extension",
		OriginVersion: "1.0.0",
		ID:            env.ID,
		Action:        env.Action,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		resp.Payload = raw
	}
	return json.Marshal(resp)
}

// handle processes one device frame and produces the extension's reply.
func (e *extensionSim) handle(raw []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}

	switch env.Action {
	case wire.ActionHello:
		return e.reply(env, wire.HelloResponse{
			BrowserName:    "Firefox",
			BrowserVersion: "128.0",
			BrowserExtName: "VaultLink Extension",
		})

	case wire.ActionChallenge:
		var payload wire.ChallengePayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}

		der, err := vcrypto.FromBase64(payload.EphemeralPublicKey)
		if err != nil {
			return nil, err
		}
		parsed, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			return nil, err
		}
		devicePub, err := parsed.(*ecdsa.PublicKey).ECDH()
		if err != nil {
			return nil, err
		}
		secret, err := e.ephPriv.ECDH(devicePub)
		if err != nil {
			return nil, err
		}
		salt, err := vcrypto.FromBase64(payload.HKDFSalt)
		if err != nil {
			return nil, err
		}

		e.ks = keyring.NewSession(secret, salt)
		e.dataKey, err = e.ks.Derive(keyring.LabelData)
		if err != nil {
			return nil, err
		}

		var sealed []byte
		if e.corruptChallenge {
			wrong := keyring.NewSession(make([]byte, 32), salt)
			sealed, err = wrong.SealSalt()
		} else {
			sealed, err = e.ks.SealSalt()
		}
		if err != nil {
			return nil, err
		}
		return e.reply(env, wire.ChallengeResponse{HKDFSaltEnc: vcrypto.ToBase64(sealed)})

	case wire.ActionPull:
		var payload wire.PullPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		if err := e.recordRotatedID(payload.NewSessionIDEnc); err != nil {
			return nil, err
		}

		action := e.pendingAction(e)
		sealed, err := vcrypto.EncryptAES(e.dataKey, action)
		if err != nil {
			return nil, err
		}
		return e.reply(env, wire.PullResponse{DataEnc: vcrypto.ToBase64(sealed)})

	case wire.ActionPullAction:
		var payload wire.PullActionPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		sealed, err := vcrypto.FromBase64(payload.DataEnc)
		if err != nil {
			return nil, err
		}
		plain, err := vcrypto.DecryptAES(e.dataKey, sealed)
		if err != nil {
			return nil, err
		}
		e.results = append(e.results, plain)
		return e.reply(env, nil)

	case wire.ActionInitTransfer:
		var payload wire.InitTransferPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		e.init = &payload
		if err := e.recordRotatedID(payload.NewSessionIDEnc); err != nil {
			return nil, err
		}
		return e.reply(env, nil)

	case wire.ActionTransferChunk, wire.ActionTransferChunkLast:
		var payload wire.ChunkPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		e.chunks = append(e.chunks, transfer.Chunk{
			Index: payload.ChunkIndex,
			Size:  payload.ChunkSize,
			Data:  payload.ChunkData,
			Last:  env.Action == wire.ActionTransferChunkLast,
		})
		return e.reply(env, nil)

	case wire.ActionCloseWithSuccess:
		if e.failCloseSuccess {
			return nil, fmt.Errorf("relay dropped the frame")
		}
		e.closedOK = true
		return e.reply(env, nil)

	case wire.ActionCloseWithError:
		var payload wire.ClosePayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, err
		}
		e.closeErr = payload.Error
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected action %s", env.Action)
	}
}

func (e *extensionSim) recordRotatedID(enc string) error {
	if enc == "" {
		return nil
	}
	sealed, err := vcrypto.FromBase64(enc)
	if err != nil {
		return err
	}
	rotated, err := vcrypto.DecryptAES(e.dataKey, sealed)
	if err != nil {
		return err
	}
	e.rotatedID = rotated
	return nil
}

// decodeSnapshot reassembles, decrypts and decompresses the transferred
// vault snapshot.
func (e *extensionSim) decodeSnapshot(totalChunks int, digest string) (*snapshotVault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.chunks) != totalChunks {
		return nil, fmt.Errorf("got %d chunks, announced %d", len(e.chunks), totalChunks)
	}
	sealed, err := transfer.Assemble(e.chunks, digest)
	if err != nil {
		return nil, err
	}
	compressed, err := vcrypto.DecryptAES(e.dataKey, sealed)
	if err != nil {
		return nil, err
	}
	raw, err := transfer.Decompress(compressed)
	if err != nil {
		return nil, err
	}

	var snapshot snapshotVault
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// openSecureField decrypts an s_ field value under the session key for the
// given tier label.
func (e *extensionSim) openSecureField(label keyring.Label, enc string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, err := e.ks.Derive(label)
	if err != nil {
		return "", err
	}
	sealed, err := vcrypto.FromBase64(enc)
	if err != nil {
		return "", err
	}
	plain, err := vcrypto.DecryptAES(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// sealNewItemSecret encrypts a plaintext under the new-item key, as the
// extension does for createItem actions.
func (e *extensionSim) sealNewItemSecret(plaintext string) string {
	e.t.Helper()

	key, err := e.ks.Derive(keyring.LabelNewItem)
	if err != nil {
		e.t.Fatal(err)
	}
	sealed, err := vcrypto.EncryptAES(key, []byte(plaintext))
	if err != nil {
		e.t.Fatal(err)
	}
	return vcrypto.ToBase64(sealed)
}

// fakeVault implements VaultExporter and MutationGate over a map.
type fakeVault struct {
	mu      sync.Mutex
	info    VaultInfo
	items   map[string]Item
	secrets map[string]string
	tags    []Tag

	itemsHook func()

	createTier ProtectionTier
	nextID     int
	created    []ItemDraft
	updated    map[string]ItemDraft
	deleted    []string
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		info:       VaultInfo{ID: "vault-1", Name: "Personal"},
		items:      make(map[string]Item),
		secrets:    make(map[string]string),
		createTier: TierNormal,
		updated:    make(map[string]ItemDraft),
	}
}

func (v *fakeVault) add(item Item, secret string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[item.ID] = item
	v.secrets[item.ID] = secret
}

func (v *fakeVault) Info(ctx context.Context) (VaultInfo, error) {
	return v.info, nil
}

func (v *fakeVault) Items(ctx context.Context) ([]Item, error) {
	if v.itemsHook != nil {
		v.itemsHook()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	items := make([]Item, 0, len(v.items))
	for _, item := range v.items {
		items = append(items, item)
	}
	return items, nil
}

func (v *fakeVault) Item(ctx context.Context, id string) (Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, ok := v.items[id]
	if !ok {
		return Item{}, ErrMissingItem
	}
	return item, nil
}

func (v *fakeVault) Tags(ctx context.Context) ([]Tag, error) {
	return v.tags, nil
}

func (v *fakeVault) Secret(ctx context.Context, id string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[id]
	if !ok {
		return "", ErrMissingItem
	}
	return secret, nil
}

func (v *fakeVault) CreateItem(ctx context.Context, draft ItemDraft) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := fmt.Sprintf("created-%d", v.nextID)
	v.created = append(v.created, draft)
	v.items[id] = Item{
		ID:          id,
		ContentType: ContentTypeLogin,
		Name:        draft.Name,
		Username:    draft.Username.Value,
		URIs:        draft.URIs,
		Tier:        v.createTier,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	v.secrets[id] = draft.Password.Value
	return id, nil
}

func (v *fakeVault) UpdateItem(ctx context.Context, id string, draft ItemDraft) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.items[id]; !ok {
		return ErrMissingItem
	}
	v.updated[id] = draft
	if draft.Password.Value != "" {
		v.secrets[id] = draft.Password.Value
	}
	return nil
}

func (v *fakeVault) DeleteItem(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, id)
	delete(v.items, id)
	return nil
}

func acceptAll(ctx context.Context, action Action) (Approval, error) {
	return Approval{Accepted: true}, nil
}

// newTestClient wires a client to the simulated extension over the stub
// relay. Returned alongside the pairing store for record assertions.
func newTestClient(t *testing.T, sim *extensionSim, vault *fakeVault, approver Approver, opts ...Option) (*Client, *MemoryPairingStore, *atomic.Int32) {
	t.Helper()

	store := NewMemoryPairingStore()
	dial, dials := sim.dialer()

	base := []Option{
		WithChunkSize(64),
		WithDeviceName("Test Device"),
		withDialer(dial),
	}
	client, err := New("device-1", store, vault, vault, approver, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, store, dials
}
