package vaultlink

import "context"

// ActionKind discriminates remote action requests.
type ActionKind string

// Remote action kinds. The set is closed; an unrecognized kind is a domain
// error reported back to the peer.
const (
	ActionReadSecret ActionKind = "readSecret"
	ActionCreateItem ActionKind = "createItem"
	ActionUpdateItem ActionKind = "updateItem"
	ActionDeleteItem ActionKind = "deleteItem"
	ActionFullResync ActionKind = "fullResync"
)

// String returns the wire name of the action kind.
func (k ActionKind) String() string { return string(k) }

// ActionStatus is the status field of an action result.
type ActionStatus string

// Action result statuses.
const (
	StatusAccept  ActionStatus = "accept"
	StatusCancel  ActionStatus = "cancel"
	StatusAdded   ActionStatus = "added"
	StatusUpdated ActionStatus = "updated"

	// StatusAddedButRestricted reports that the action succeeded but the
	// item's tier forbids returning its secret payload, distinguishing a
	// tier restriction from a user rejection. The omission of the payload
	// is the security boundary, not an error.
	StatusAddedButRestricted ActionStatus = "addedButRestricted"
)

// Action is a decoded remote action awaiting user approval. Exactly one of
// the concrete types below is handed to the Approver.
type Action interface {
	// Kind returns the action discriminator.
	Kind() ActionKind
}

// ReadSecretAction asks to reveal the secret field of one item.
type ReadSecretAction struct {
	Item Item
}

// Kind implements Action.
func (ReadSecretAction) Kind() ActionKind { return ActionReadSecret }

// CreateItemAction asks to store a new item.
type CreateItemAction struct {
	Draft ItemDraft
}

// Kind implements Action.
func (CreateItemAction) Kind() ActionKind { return ActionCreateItem }

// UpdateItemAction asks to modify an existing item.
type UpdateItemAction struct {
	Item  Item
	Draft ItemDraft
}

// Kind implements Action.
func (UpdateItemAction) Kind() ActionKind { return ActionUpdateItem }

// DeleteItemAction asks to remove an item.
type DeleteItemAction struct {
	Item Item
}

// Kind implements Action.
func (DeleteItemAction) Kind() ActionKind { return ActionDeleteItem }

// FullResyncAction asks for a complete tier-filtered snapshot transfer.
type FullResyncAction struct{}

// Kind implements Action.
func (FullResyncAction) Kind() ActionKind { return ActionFullResync }

// Approval is the outcome of the user-consent gate. ItemID is set by the
// embedder for create actions, naming the stored item.
type Approval struct {
	Accepted bool
	ItemID   string
}

// Approver gates every mutating or secret-revealing remote action on
// explicit user consent. It may wait arbitrarily long on user interaction;
// the session still observes peer disconnects and caller cancellation
// during the wait. Returning an error aborts the session.
type Approver func(ctx context.Context, action Action) (Approval, error)

// actionEnvelope is the decrypted inner request before dispatch.
type actionEnvelope struct {
	Kind ActionKind `json:"type"`
}

type readSecretRequest struct {
	Data struct {
		ItemID string `json:"itemId"`
	} `json:"data"`
}

// fieldDirective is the wire form of a create/update field instruction.
type fieldDirective struct {
	Value  *string `json:"value"`
	Action string  `json:"action,omitempty"`
}

const directiveGenerate = "generate"

type createItemRequest struct {
	Data struct {
		ContentType string `json:"contentType"`
		Content     struct {
			URL      string         `json:"url"`
			Username fieldDirective `json:"username"`
			Password fieldDirective `json:"password"`
		} `json:"content"`
	} `json:"data"`
}

type updateItemRequest struct {
	Data struct {
		ItemID        string `json:"itemId"`
		ContentType   string `json:"contentType"`
		SecurityType  *int   `json:"securityType"`
		SecretFetched bool   `json:"sifFetched"`
		Content       struct {
			Name     string          `json:"name"`
			Username *fieldDirective `json:"username"`
			Password *fieldDirective `json:"password"`
			Notes    *string         `json:"notes"`
			URIs     []struct {
				Text    string `json:"text"`
				Matcher int    `json:"matcher"`
			} `json:"uris"`
		} `json:"content"`
		Tags []string `json:"tags"`
	} `json:"data"`
}

type deleteItemRequest struct {
	Data struct {
		ItemID string `json:"itemId"`
	} `json:"data"`
}

// actionResponse is the encrypted result sent back through the pull channel.
type actionResponse struct {
	Kind            ActionKind   `json:"type"`
	Status          ActionStatus `json:"status"`
	ExpireInSeconds int          `json:"expireInSeconds,omitempty"`
	Data            any          `json:"data,omitempty"`
	Tags            []Tag        `json:"tags,omitempty"`
}

// resyncAnnounce is the action response that opens a full-resync transfer.
type resyncAnnounce struct {
	Kind        ActionKind   `json:"type"`
	Status      ActionStatus `json:"status"`
	TotalChunks int          `json:"totalChunks"`
	TotalSize   int          `json:"totalSize"`
	Digest      string       `json:"sha256GzipVaultDataEnc"`
}

// resultExpirySeconds is how long the peer may cache a secret-bearing
// action result.
const resultExpirySeconds = 180
