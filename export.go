package vaultlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/keyring"
	"github.com/vaultlink/connect-go/internal/transfer"
)

// snapshotVault is the wire form of an exported vault.
type snapshotVault struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Items []snapshotItem `json:"items"`
	Tags  []Tag          `json:"tags"`
}

// snapshotItem is the wire form of one exported item. Secret fields carry
// the s_ prefix and hold base64 ciphertext under a session key, never
// plaintext.
type snapshotItem struct {
	ID             string          `json:"id"`
	VaultID        string          `json:"vaultId,omitempty"`
	ContentType    string          `json:"contentType"`
	ContentVersion int             `json:"contentVersion"`
	Content        snapshotContent `json:"content"`
	SecurityType   int             `json:"securityType"`
	CreatedAt      int64           `json:"createdAt"`
	UpdatedAt      int64           `json:"updatedAt"`
	Tags           []string        `json:"tags,omitempty"`
}

type snapshotContent struct {
	Name     string        `json:"name,omitempty"`
	Username string        `json:"username,omitempty"`
	Password *string       `json:"s_password,omitempty"`
	Notes    string        `json:"notes,omitempty"`
	URIs     []snapshotURI `json:"uris,omitempty"`
}

type snapshotURI struct {
	Text    string `json:"text"`
	Matcher int    `json:"matcher"`
}

func newSnapshotItem(item Item) snapshotItem {
	uris := make([]snapshotURI, 0, len(item.URIs))
	for _, u := range item.URIs {
		uris = append(uris, snapshotURI{Text: u})
	}
	return snapshotItem{
		ID:             item.ID,
		VaultID:        item.VaultID,
		ContentType:    item.ContentType,
		ContentVersion: item.ContentVersion,
		Content: snapshotContent{
			Name:     item.Name,
			Username: item.Username,
			Notes:    item.Notes,
			URIs:     uris,
		},
		SecurityType: int(item.Tier),
		CreatedAt:    item.CreatedAt.Unix(),
		UpdatedAt:    item.UpdatedAt.Unix(),
		Tags:         item.Tags,
	}
}

// exportSnapshot builds the tier-filtered snapshot for push and full-resync
// transfers. Top-secret items are excluded unconditionally; secret fields
// travel only for normal-tier items, re-encrypted under the session's
// normal-tier key. Per-item encryption is scattered across a bounded worker
// pool and gathered before the snapshot is serialized.
func (c *Client) exportSnapshot(ctx context.Context, ks *keyring.Session) (*snapshotVault, error) {
	info, err := c.exporter.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault info: %w", err)
	}

	items, err := c.exporter.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	tags, err := c.exporter.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	exportable := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Tier == TierTopSecret {
			continue
		}
		exportable = append(exportable, item)
	}

	out := make([]snapshotItem, len(exportable))
	for i, item := range exportable {
		out[i] = newSnapshotItem(item)
	}

	if err := c.encryptSecretFields(ctx, ks, exportable, out); err != nil {
		return nil, err
	}

	if tags == nil {
		tags = []Tag{}
	}
	return &snapshotVault{
		ID:    info.ID,
		Name:  info.Name,
		Items: out,
		Tags:  tags,
	}, nil
}

// encryptSecretFields fills in the s_ fields of normal-tier items. Each
// worker writes only its own index; results are in place before return.
func (c *Client) encryptSecretFields(ctx context.Context, ks *keyring.Session, items []Item, out []snapshotItem) error {
	key, err := ks.Derive(keyring.LabelSecureFieldNormal)
	if err != nil {
		return &CryptoError{Stage: "derive", Err: err}
	}
	defer crypto.Zeroize(key)

	jobs := make(chan int)
	errs := make(chan error, 1)
	var failed atomic.Bool
	var wg sync.WaitGroup

	workers := c.cfg.exportWorkers
	if workers < 1 {
		workers = 1
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if failed.Load() {
					continue
				}
				enc, err := c.encryptItemSecret(ctx, key, items[i].ID)
				if err != nil {
					select {
					case errs <- err:
					default:
					}
					failed.Store(true)
					continue
				}
				out[i].Content.Password = enc
			}
		}()
	}

	for i, item := range items {
		if item.Tier != TierNormal {
			continue
		}
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ErrCancelled
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// encryptItemSecret fetches one item's plaintext secret and seals it under
// the given session key. A missing secret yields nil, not an error.
func (c *Client) encryptItemSecret(ctx context.Context, key []byte, itemID string) (*string, error) {
	secret, err := c.exporter.Secret(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("secret for %s: %w", itemID, err)
	}
	if secret == "" {
		return nil, nil
	}

	sealed, err := crypto.EncryptAES(key, []byte(secret))
	if err != nil {
		return nil, &CryptoError{Stage: "encrypt", Err: err}
	}
	enc := crypto.ToBase64(sealed)
	return &enc, nil
}

// exportItem builds the single-item result for create/update actions. It
// returns nil when the item's tier has no secure-field label; the caller
// reports a restricted status instead.
func (c *Client) exportItem(ctx context.Context, ks *keyring.Session, item Item) (*snapshotItem, error) {
	label, ok := keyring.SecureFieldLabel(item.Tier)
	if !ok {
		return nil, nil
	}

	key, err := ks.Derive(label)
	if err != nil {
		return nil, &CryptoError{Stage: "derive", Err: err}
	}
	defer crypto.Zeroize(key)

	out := newSnapshotItem(item)
	enc, err := c.encryptItemSecret(ctx, key, item.ID)
	if err != nil {
		return nil, err
	}
	out.Content.Password = enc
	return &out, nil
}

// sealSnapshot serializes, compresses and encrypts a snapshot under the
// session data key, returning the planned chunked transfer.
func (c *Client) sealSnapshot(snapshot *snapshotVault, dataKey []byte) (*transfer.Transfer, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	compressed, err := transfer.Compress(raw)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.EncryptAES(dataKey, compressed)
	if err != nil {
		return nil, &CryptoError{Stage: "encrypt", Err: err}
	}

	return transfer.New(sealed, c.cfg.chunkSize)
}
