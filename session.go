package vaultlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/relay"
	"github.com/vaultlink/connect-go/internal/transfer"
	"github.com/vaultlink/connect-go/internal/wire"
)

// sessionState tracks the protocol position of one transport session.
type sessionState int

const (
	stateIdle sessionState = iota
	stateHelloSent
	stateChallengeSent
	stateTransferring
	stateAwaitingAction
	stateClosing
	stateClosed
	stateFailed
)

var (
	errWrongResponseID = errors.New("response does not match request id")
	errPeerClosed      = errors.New("peer closed the session with an error")
)

// session is one strictly request/response exchange with a peer over the
// relay. At most one message is in flight at a time.
type session struct {
	conn          relay.Conn
	origin        string
	originVersion string
	log           zerolog.Logger
	state         sessionState
}

func newSession(conn relay.Conn, origin, originVersion string, log zerolog.Logger) *session {
	return &session{
		conn:          conn,
		origin:        origin,
		originVersion: originVersion,
		log:           log,
		state:         stateIdle,
	}
}

// roundTrip sends one envelope and waits for the response correlated by
// message id. Any transport failure, peer close, uncorrelated response, or
// context cancellation fails the session.
func (s *session) roundTrip(ctx context.Context, action wire.Action, payload, out any) error {
	env, err := wire.NewEnvelope(s.origin, s.originVersion, action, payload)
	if err != nil {
		s.state = stateFailed
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		s.state = stateFailed
		return fmt.Errorf("encode %s: %w", action, err)
	}

	if err := s.conn.Write(ctx, data); err != nil {
		s.state = stateFailed
		if errors.Is(err, relay.ErrClosed) {
			return ErrRelayClosed
		}
		return &TransportError{Op: string(action), Err: err}
	}

	select {
	case raw, ok := <-s.conn.Messages():
		if !ok {
			s.state = stateFailed
			return ErrRelayClosed
		}
		return s.handleResponse(action, env.ID, raw, out)
	case <-ctx.Done():
		s.state = stateFailed
		return ErrCancelled
	}
}

func (s *session) handleResponse(action wire.Action, requestID string, raw []byte, out any) error {
	var resp wire.Envelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.state = stateFailed
		return &TransportError{Op: string(action), Err: fmt.Errorf("decode response: %w", err)}
	}

	if err := wire.ValidateScheme(resp.Scheme); err != nil {
		s.state = stateFailed
		return wrapSchemeError(err)
	}

	if resp.ID != requestID {
		s.state = stateFailed
		if resp.Action == wire.ActionCloseWithError {
			s.log.Debug().Str("action", string(action)).Msg("peer closed with error")
			return &TransportError{Op: string(action), Err: errPeerClosed}
		}
		return &TransportError{Op: string(action), Err: errWrongResponseID}
	}

	if out != nil {
		if err := resp.DecodePayload(out); err != nil {
			s.state = stateFailed
			return &TransportError{Op: string(action), Err: err}
		}
	}
	return nil
}

// notify sends an envelope without waiting for a response. Only
// closeWithError uses this path.
func (s *session) notify(ctx context.Context, action wire.Action, payload any) error {
	env, err := wire.NewEnvelope(s.origin, s.originVersion, action, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	return s.conn.Write(ctx, data)
}

// hello introduces the device and returns the peer's identity.
func (s *session) hello(ctx context.Context, deviceID, deviceName, deviceOS, deviceType string) (wire.HelloResponse, error) {
	var resp wire.HelloResponse
	err := s.roundTrip(ctx, wire.ActionHello, wire.HelloPayload{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		DeviceOS:   deviceOS,
		DeviceType: deviceType,
	}, &resp)
	if err != nil {
		return wire.HelloResponse{}, err
	}
	s.state = stateHelloSent
	s.log.Debug().Str("browser", resp.BrowserName).Msg("hello response received")
	return resp, nil
}

// challenge sends the local ephemeral public key and salt, returning the
// peer's salt confirmation ciphertext.
func (s *session) challenge(ctx context.Context, publicKeyDER, salt []byte) ([]byte, error) {
	var resp wire.ChallengeResponse
	err := s.roundTrip(ctx, wire.ActionChallenge, wire.ChallengePayload{
		EphemeralPublicKey: crypto.ToBase64(publicKeyDER),
		HKDFSalt:           crypto.ToBase64(salt),
	}, &resp)
	if err != nil {
		return nil, err
	}

	saltEnc, err := crypto.FromBase64(resp.HKDFSaltEnc)
	if err != nil {
		return nil, &HandshakeError{Stage: "challenge", Err: err}
	}
	s.state = stateChallengeSent
	s.log.Debug().Msg("challenge response received")
	return saltEnc, nil
}

// pull requests the pending remote action, carrying the encrypted fresh
// session id, and returns the encrypted action envelope.
func (s *session) pull(ctx context.Context, newSessionIDEnc []byte) ([]byte, error) {
	var resp wire.PullResponse
	err := s.roundTrip(ctx, wire.ActionPull, wire.PullPayload{
		NewSessionIDEnc: crypto.ToBase64(newSessionIDEnc),
	}, &resp)
	if err != nil {
		return nil, err
	}

	dataEnc, err := crypto.FromBase64(resp.DataEnc)
	if err != nil {
		return nil, &TransportError{Op: "pull", Err: err}
	}
	s.state = stateAwaitingAction
	s.log.Debug().Msg("pull action received")
	return dataEnc, nil
}

// pullAction returns the encrypted action result to the peer.
func (s *session) pullAction(ctx context.Context, dataEnc []byte) error {
	err := s.roundTrip(ctx, wire.ActionPullAction, wire.PullActionPayload{
		DataEnc: crypto.ToBase64(dataEnc),
	}, nil)
	if err != nil {
		return err
	}
	s.log.Debug().Msg("pull action response sent")
	return nil
}

// initTransfer announces a chunked snapshot transfer.
func (s *session) initTransfer(ctx context.Context, t *transfer.Transfer, payload wire.InitTransferPayload) error {
	payload.TotalChunks = t.TotalChunks()
	payload.TotalSize = t.TotalSize()
	payload.Digest = t.Digest()

	if err := s.roundTrip(ctx, wire.ActionInitTransfer, payload, nil); err != nil {
		return err
	}
	s.state = stateTransferring
	s.log.Debug().Int("chunks", t.TotalChunks()).Msg("transfer initialized")
	return nil
}

// sendChunks streams every chunk in index order, reporting progress over
// the given range. Failure of any chunk aborts the whole transfer.
func (s *session) sendChunks(ctx context.Context, t *transfer.Transfer, progress func(float64), from, to float64) error {
	count := t.TotalChunks()
	for i := 0; i < count; i++ {
		chunk, err := t.Chunk(i)
		if err != nil {
			return err
		}

		action := wire.ActionTransferChunk
		if chunk.Last {
			action = wire.ActionTransferChunkLast
		}

		err = s.roundTrip(ctx, action, wire.ChunkPayload{
			ChunkIndex: chunk.Index,
			ChunkSize:  chunk.Size,
			ChunkData:  chunk.Data,
		}, nil)
		if err != nil {
			return err
		}

		if progress != nil {
			progress(from + (to-from)*float64(i+1)/float64(count))
		}
	}
	return nil
}

// closeSuccess ends the session on the success path.
func (s *session) closeSuccess(ctx context.Context) error {
	s.state = stateClosing
	if err := s.roundTrip(ctx, wire.ActionCloseWithSuccess, nil, nil); err != nil {
		return err
	}
	s.state = stateClosed
	s.log.Debug().Msg("session closed with success")
	return nil
}

// closeError reports a terminal error to the peer, best effort. A failure
// to deliver it never masks the original error.
func (s *session) closeError(ctx context.Context, cause error) {
	s.state = stateClosing
	err := s.notify(ctx, wire.ActionCloseWithError, wire.ClosePayload{Error: cause.Error()})
	if err != nil {
		s.log.Debug().Err(err).Msg("close-with-error delivery failed")
	}
	s.state = stateFailed
}
