package vaultlink

import (
	"context"
	"errors"
	"sync"
	"time"
)

// originApp identifies this side of the protocol on every envelope.
const originApp = "app"

// closeNotifyTimeout bounds the best-effort close-with-error delivery.
const closeNotifyTimeout = 5 * time.Second

// pendingSession is a coalesced request waiting for the active session of
// the same peer to finish.
type pendingSession struct {
	sessionID string
	fn        func(context.Context, *session) error
}

// peerTask tracks the in-flight session for one peer plus at most one
// queued follow-up.
type peerTask struct {
	queued *pendingSession
}

// Client is the pairing and sync engine. It connects a local credential
// vault, exposed through VaultExporter and MutationGate, to paired browser
// extensions over a relay.
//
// A Client is safe for concurrent use. Sessions are serialized per peer: a
// request arriving while the same peer's session is in flight is queued
// (depth one, newest wins) and run afterwards on the client's background
// context, with its outcome reported through the session callbacks.
type Client struct {
	cfg      clientConfig
	store    PairingStore
	exporter VaultExporter
	gate     MutationGate
	approver Approver

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*peerTask
	closed bool
}

// New creates a client for the given device identity and vault backends.
// The approver gates every secret-revealing or mutating remote action; the
// gate applies approved mutations.
func New(deviceID string, store PairingStore, exporter VaultExporter, gate MutationGate, approver Approver, opts ...Option) (*Client, error) {
	if deviceID == "" {
		return nil, errors.New("device id must not be empty")
	}
	if store == nil {
		return nil, errors.New("pairing store must not be nil")
	}
	if exporter == nil {
		return nil, errors.New("vault exporter must not be nil")
	}
	if gate == nil {
		return nil, errors.New("mutation gate must not be nil")
	}
	if approver == nil {
		return nil, errors.New("approver must not be nil")
	}

	cfg := defaultClientConfig()
	cfg.deviceID = deviceID
	for _, opt := range opts {
		opt(&cfg)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		store:    store,
		exporter: exporter,
		gate:     gate,
		approver: approver,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		peers:    make(map[string]*peerTask),
	}, nil
}

// IsKnownPeer reports whether a pairing record exists for the given
// long-term public key (lowercase hex).
func (c *Client) IsKnownPeer(ctx context.Context, publicKey string) (bool, error) {
	_, err := c.store.Get(ctx, publicKey)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnknownPeer):
		return false, nil
	default:
		return false, err
	}
}

// Close stops the client. Queued background sessions are cancelled and
// awaited; further session requests return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bgCancel()
	c.wg.Wait()
	return nil
}

// runSession admits one session per peer. A request for a busy peer is
// coalesced into the single queued slot and reported as ErrSessionQueued;
// it runs after the active session, detached from the original caller.
func (c *Client) runSession(ctx context.Context, peerKey, sessionID string, fn func(context.Context, *session) error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if task, busy := c.peers[peerKey]; busy {
		task.queued = &pendingSession{sessionID: sessionID, fn: fn}
		c.mu.Unlock()
		c.cfg.log.Debug().Str("peer", peerKey).Msg("session queued behind active session")
		return ErrSessionQueued
	}
	c.peers[peerKey] = &peerTask{}
	c.mu.Unlock()

	err := c.execute(ctx, sessionID, fn)
	c.finishPeer(peerKey)
	return err
}

// finishPeer releases a peer's session slot, promoting the queued request
// if one arrived meanwhile.
func (c *Client) finishPeer(peerKey string) {
	c.mu.Lock()
	task := c.peers[peerKey]
	if task == nil || task.queued == nil || c.closed {
		delete(c.peers, peerKey)
		c.mu.Unlock()
		return
	}
	next := task.queued
	task.queued = nil
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.execute(c.bgCtx, next.sessionID, next.fn); err != nil {
			c.cfg.log.Warn().Err(err).Str("peer", peerKey).Msg("queued session failed")
		}
		c.finishPeer(peerKey)
	}()
}

// execute dials the relay and runs one orchestrator under the completion
// bridge. The bridge reconciles the three possible terminators, the
// orchestrator finishing, the peer or relay dropping the socket, and the
// caller cancelling, into exactly one outcome.
func (c *Client) execute(ctx context.Context, sessionID string, fn func(context.Context, *session) error) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := c.cfg.dial(sctx, c.cfg.relayURL, sessionID)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	s := newSession(conn, originApp, c.cfg.appVersion, c.cfg.log)
	bridge := newCompletionBridge(cancel)

	go func() {
		err := fn(sctx, s)
		if err != nil && !errors.Is(err, ErrRelayClosed) && !errors.Is(err, ErrCancelled) {
			// Tell the peer why before the socket drops. Failure to
			// deliver never masks the session outcome.
			notifyCtx, notifyCancel := context.WithTimeout(context.WithoutCancel(sctx), closeNotifyTimeout)
			s.closeError(notifyCtx, err)
			notifyCancel()
		}
		bridge.resolve(err)
	}()

	go func() {
		select {
		case <-conn.Done():
			if readErr := conn.Err(); readErr != nil {
				c.cfg.log.Debug().Err(readErr).Msg("relay connection dropped")
			}
			bridge.resolve(ErrRelayClosed)
		case <-bridge.done:
		}
	}()

	return bridge.wait(ctx)
}
