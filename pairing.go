package vaultlink

import (
	"context"
	"sync"
	"time"
)

// PairingRecord identifies a previously paired browser extension. The
// long-term public key is the authentication anchor; NextSessionID is the
// single-use token the peer will present on its next connection and must be
// replaced after every completed exchange.
type PairingRecord struct {
	ID             string
	PublicKey      string // lowercase hex of the peer's long-term P-256 key
	Name           string
	Version        string
	Extension      string
	FirstConnected time.Time
	LastConnected  time.Time
	NextSessionID  []byte
}

// PairingStore persists pairing records keyed by the peer's long-term
// public key. Implementations must serialize concurrent updates per peer.
type PairingStore interface {
	// Get returns the record for a public key, or ErrUnknownPeer.
	Get(ctx context.Context, publicKey string) (*PairingRecord, error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, record *PairingRecord) error
}

// MemoryPairingStore is an in-memory PairingStore. It is safe for
// concurrent use and suitable for tests and ephemeral embedders; real
// applications persist records in their own storage.
type MemoryPairingStore struct {
	mu      sync.RWMutex
	records map[string]*PairingRecord
}

// NewMemoryPairingStore creates an empty in-memory store.
func NewMemoryPairingStore() *MemoryPairingStore {
	return &MemoryPairingStore{records: make(map[string]*PairingRecord)}
}

// Get returns the record for a public key, or ErrUnknownPeer.
func (s *MemoryPairingStore) Get(ctx context.Context, publicKey string) (*PairingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[publicKey]
	if !ok {
		return nil, ErrUnknownPeer
	}
	copied := *record
	copied.NextSessionID = append([]byte(nil), record.NextSessionID...)
	return &copied, nil
}

// Put inserts or replaces a record.
func (s *MemoryPairingStore) Put(ctx context.Context, record *PairingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	copied.NextSessionID = append([]byte(nil), record.NextSessionID...)
	s.records[record.PublicKey] = &copied
	return nil
}
