// Package transfer splits bulk encrypted payloads into ordered, size-bounded
// chunks and verifies whole-payload integrity. The unit of transfer is the
// base64 text of an AES-GCM encrypted, gzip-compressed blob; the digest
// announced before the first chunk is the SHA-256 of the encrypted blob
// itself.
package transfer

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/vaultlink/connect-go/internal/crypto"
)

// DefaultChunkSize is the fixed chunk size used for snapshot transfers.
const DefaultChunkSize = 2 * 1024 * 1024

var (
	// ErrChunkSize is returned for a non-positive chunk size.
	ErrChunkSize = errors.New("chunk size must be positive")

	// ErrChunkSequence is returned when reassembly observes indices out of
	// order, duplicated, or missing.
	ErrChunkSequence = errors.New("chunk sequence invalid")

	// ErrDigestMismatch is returned when the reassembled payload does not
	// match the announced digest.
	ErrDigestMismatch = errors.New("payload digest mismatch")
)

// Chunk is one slice of the transfer text. Last marks the distinguished
// final chunk; its size is the remainder, never padded.
type Chunk struct {
	Index int
	Size  int
	Data  string
	Last  bool
}

// Transfer is a planned chunked send of one encrypted blob.
type Transfer struct {
	text      string
	totalSize int
	chunkSize int
	digest    [sha256.Size]byte
}

// New plans a transfer for the encrypted blob. The blob is carried as
// standard base64 text, chunked over that text.
func New(encrypted []byte, chunkSize int) (*Transfer, error) {
	if chunkSize <= 0 {
		return nil, ErrChunkSize
	}
	return &Transfer{
		text:      crypto.ToBase64(encrypted),
		totalSize: len(encrypted),
		chunkSize: chunkSize,
		digest:    sha256.Sum256(encrypted),
	}, nil
}

// TotalChunks returns the number of chunks that will be sent.
func (t *Transfer) TotalChunks() int {
	return (len(t.text) + t.chunkSize - 1) / t.chunkSize
}

// TotalSize returns the size of the encrypted blob in bytes.
func (t *Transfer) TotalSize() int {
	return t.totalSize
}

// Digest returns the base64 SHA-256 of the encrypted blob.
func (t *Transfer) Digest() string {
	return crypto.ToBase64(t.digest[:])
}

// Chunk returns the chunk at the given index.
func (t *Transfer) Chunk(index int) (Chunk, error) {
	count := t.TotalChunks()
	if index < 0 || index >= count {
		return Chunk{}, fmt.Errorf("chunk index %d out of range 0..%d", index, count-1)
	}

	start := index * t.chunkSize
	end := min(start+t.chunkSize, len(t.text))
	data := t.text[start:end]

	return Chunk{
		Index: index,
		Size:  len(data),
		Data:  data,
		Last:  index == count-1,
	}, nil
}

// Assemble reconstructs the encrypted blob from chunks received in order
// and checks the announced digest. Chunks must cover indices 0..n-1 exactly
// once, with the last chunk marked.
func Assemble(chunks []Chunk, digest string) ([]byte, error) {
	var buf bytes.Buffer
	for i, c := range chunks {
		if c.Index != i {
			return nil, fmt.Errorf("%w: got index %d at position %d", ErrChunkSequence, c.Index, i)
		}
		if c.Last != (i == len(chunks)-1) {
			return nil, fmt.Errorf("%w: last marker on index %d", ErrChunkSequence, c.Index)
		}
		buf.WriteString(c.Data)
	}

	blob, err := crypto.FromBase64(buf.String())
	if err != nil {
		return nil, fmt.Errorf("decode transfer text: %w", err)
	}

	sum := sha256.Sum256(blob)
	if crypto.ToBase64(sum[:]) != digest {
		return nil, ErrDigestMismatch
	}
	return blob, nil
}

// Compress gzips the payload.
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress gunzips the payload.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip open: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
