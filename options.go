package vaultlink

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultlink/connect-go/internal/relay"
	"github.com/vaultlink/connect-go/internal/transfer"
)

const (
	defaultRelayURL   = "wss://relay.vaultlink.app/device/"
	defaultDeviceName = "vaultlink device"
	defaultDeviceOS   = "ios"
	defaultDeviceType = "mobile"
	defaultAppVersion = "0.0.0"
)

// clientConfig holds configuration for the client.
type clientConfig struct {
	relayURL      string
	deviceID      string
	deviceName    string
	deviceOS      string
	deviceType    string
	appVersion    string
	chunkSize     int
	exportWorkers int
	pushToken     string
	accountExpiry time.Time
	log           zerolog.Logger
	dial          relay.Dialer
}

// pairConfig holds per-session callbacks.
type pairConfig struct {
	progress func(float64)
	peerInfo func(PairingRecord)
}

// Option configures the client.
type Option func(*clientConfig)

// PairOption configures a single pairing or pull session.
type PairOption func(*pairConfig)

// WithRelayURL sets the relay base URL. The session id is appended when
// dialing.
func WithRelayURL(url string) Option {
	return func(c *clientConfig) {
		c.relayURL = url
	}
}

// WithDeviceName sets the human-readable device name sent in the hello
// message.
func WithDeviceName(name string) Option {
	return func(c *clientConfig) {
		c.deviceName = name
	}
}

// WithDeviceOS sets the operating system identifier sent in the hello message.
func WithDeviceOS(os string) Option {
	return func(c *clientConfig) {
		c.deviceOS = os
	}
}

// WithDeviceType sets the device form factor ("mobile" or "tablet").
func WithDeviceType(deviceType string) Option {
	return func(c *clientConfig) {
		c.deviceType = deviceType
	}
}

// WithAppVersion sets the application version sent on every envelope.
func WithAppVersion(version string) Option {
	return func(c *clientConfig) {
		c.appVersion = version
	}
}

// WithChunkSize sets the transfer chunk size in bytes.
// Default: 2 MiB.
func WithChunkSize(size int) Option {
	return func(c *clientConfig) {
		c.chunkSize = size
	}
}

// WithExportWorkers sets how many workers encrypt snapshot secret fields in
// parallel. Default: 4.
func WithExportWorkers(n int) Option {
	return func(c *clientConfig) {
		c.exportWorkers = n
	}
}

// WithPushToken sets the push notification token transferred (encrypted) to
// the peer during pairing, so the peer can send wake signals.
func WithPushToken(token string) Option {
	return func(c *clientConfig) {
		c.pushToken = token
	}
}

// WithAccountExpiry sets the subscription expiration marker transferred
// (encrypted) during pairing. Zero means no marker is sent.
func WithAccountExpiry(t time.Time) Option {
	return func(c *clientConfig) {
		c.accountExpiry = t
	}
}

// WithLogger sets the structured logger. Default: a no-op logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *clientConfig) {
		c.log = log
	}
}

// withDialer overrides the relay dialer. Tests use it to run sessions over
// in-memory connections.
func withDialer(dial relay.Dialer) Option {
	return func(c *clientConfig) {
		c.dial = dial
	}
}

// WithProgress registers a progress callback for one session, reporting
// values in 0.0-1.0 for UI display.
func WithProgress(fn func(float64)) PairOption {
	return func(c *pairConfig) {
		c.progress = fn
	}
}

// WithPeerInfo registers a callback fired once the peer's identity is known
// from the hello exchange.
func WithPeerInfo(fn func(PairingRecord)) PairOption {
	return func(c *pairConfig) {
		c.peerInfo = fn
	}
}

// defaultClientConfig returns the baseline configuration.
func defaultClientConfig() clientConfig {
	return clientConfig{
		relayURL:      defaultRelayURL,
		deviceName:    defaultDeviceName,
		deviceOS:      defaultDeviceOS,
		deviceType:    defaultDeviceType,
		appVersion:    defaultAppVersion,
		chunkSize:     transfer.DefaultChunkSize,
		exportWorkers: 4,
		log:           zerolog.Nop(),
		dial:          relay.Dial,
	}
}

// report invokes the progress callback if one is registered.
func (c *pairConfig) report(v float64) {
	if c.progress != nil {
		c.progress(v)
	}
}

// notifyPeerInfo invokes the peer-info callback if one is registered.
func (c *pairConfig) notifyPeerInfo(record PairingRecord) {
	if c.peerInfo != nil {
		c.peerInfo(record)
	}
}
