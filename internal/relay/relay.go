// Package relay maintains the WebSocket connection to the untrusted relay
// endpoint. The relay forwards frames between the device and the browser
// extension and provides no confidentiality or authentication of its own;
// everything sensitive inside the frames is already encrypted.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocol is the Sec-WebSocket-Protocol header value the relay expects.
const Subprotocol = "vaultlink"

// closeCodeDone is the application close code sent when the device ends the
// session on its own initiative.
const closeCodeDone = 3005

// writeTimeout bounds a single frame write when the caller's context has no
// earlier deadline.
const writeTimeout = 30 * time.Second

// ErrClosed is returned when writing to a connection that has closed.
var ErrClosed = errors.New("relay connection closed")

// Conn is a single connection to the relay. Implementations deliver inbound
// text frames on Messages and close both Messages and Done when the socket
// terminates for any reason.
type Conn interface {
	// Write sends one text frame. Writes are serialized by the caller; the
	// session protocol keeps at most one message in flight.
	Write(ctx context.Context, data []byte) error

	// Messages delivers inbound frames. The channel is closed when the
	// socket closes.
	Messages() <-chan []byte

	// Done is closed when the socket closes, whether by the peer, by the
	// network, or by Close.
	Done() <-chan struct{}

	// Err returns the terminal read error after Done is closed, or nil for
	// a clean local close.
	Err() error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens a Conn for a relay session. The default is Dial; tests swap
// in an in-memory implementation.
type Dialer func(ctx context.Context, baseURL, sessionID string) (Conn, error)

// Dial connects to baseURL+sessionID with the protocol subheader set.
func Dial(ctx context.Context, baseURL, sessionID string) (Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 30 * time.Second,
	}

	ws, resp, err := dialer.DialContext(ctx, baseURL+sessionID, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &wsConn{
		ws:   ws,
		msgs: make(chan []byte, 16),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	msgs chan []byte
	done chan struct{}
	stop chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (c *wsConn) readPump() {
	defer close(c.done)
	defer close(c.msgs)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// A close we initiated unblocks the read with a local socket
			// error; that is not a transport failure.
			select {
			case <-c.stop:
				return
			default:
			}
			c.mu.Lock()
			if c.err == nil && !errors.Is(err, websocket.ErrCloseSent) {
				if !websocket.IsCloseError(err, closeCodeDone, websocket.CloseNormalClosure) {
					c.err = err
				}
			}
			c.mu.Unlock()
			return
		}
		select {
		case c.msgs <- data:
		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.stop:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Messages() <-chan []byte {
	return c.msgs
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(closeCodeDone, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
