package vaultlink

import (
	"context"
	"time"

	"github.com/vaultlink/connect-go/internal/keyring"
)

// ProtectionTier classifies the sensitivity of a vault item. It decides
// which session key, if any, may carry the item's secret fields to a peer;
// the top-secret tier has no such key at all.
type ProtectionTier = keyring.Tier

// Protection tiers, most to least restricted.
const (
	TierTopSecret = keyring.TierTopSecret
	TierConfirm   = keyring.TierConfirm
	TierNormal    = keyring.TierNormal
)

// Item is one credential as seen by the protocol engine. Secret fields are
// not part of Item; they are fetched on demand through VaultExporter.Secret
// so plaintext secrets stay out of snapshots until re-encryption.
type Item struct {
	ID             string
	VaultID        string
	ContentType    string
	ContentVersion int
	Name           string
	Username       string
	Notes          string
	URIs           []string
	Tier           ProtectionTier
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Tag is a vault tag included in snapshots.
type Tag struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Position  int    `json:"position"`
	UpdatedAt int64  `json:"updatedAt"`
}

// VaultInfo identifies the vault a snapshot was exported from.
type VaultInfo struct {
	ID   string
	Name string
}

// ContentTypeLogin is the only item content type the engine currently
// handles in remote actions.
const ContentTypeLogin = "login"

// FieldDirective is the peer's instruction for one item field in a create
// or update action: either an explicit value or a request to generate one.
type FieldDirective struct {
	Value    string
	Generate bool
}

// ItemDraft carries the approved changes for a create or update action.
// Password holds plaintext only transiently, after decryption under the
// session's new-item key and before the vault re-encrypts it at rest.
type ItemDraft struct {
	Name     string
	Username FieldDirective
	Password FieldDirective
	Notes    string
	URIs     []string
	Tier     *ProtectionTier
	Tags     []string
}

// VaultExporter provides read access to the vault for snapshots and
// single-item results. Implemented by the embedding application.
type VaultExporter interface {
	// Info returns the vault identity used in snapshot headers.
	Info(ctx context.Context) (VaultInfo, error)

	// Items returns all items eligible for export. The engine applies tier
	// filtering; implementations must not pre-filter.
	Items(ctx context.Context) ([]Item, error)

	// Item returns a single item by id, or ErrMissingItem.
	Item(ctx context.Context, id string) (Item, error)

	// Tags returns all vault tags.
	Tags(ctx context.Context) ([]Tag, error)

	// Secret returns the decrypted secret field of an item. The engine
	// re-encrypts it under a session key before it goes anywhere.
	Secret(ctx context.Context, id string) (string, error)
}

// MutationGate applies approved remote mutations to the vault. The engine
// never calls it before the approver has accepted the action.
type MutationGate interface {
	// CreateItem stores a new item and returns its id.
	CreateItem(ctx context.Context, draft ItemDraft) (string, error)

	// UpdateItem applies the draft to an existing item.
	UpdateItem(ctx context.Context, id string, draft ItemDraft) error

	// DeleteItem removes an item.
	DeleteItem(ctx context.Context, id string) error
}
