package vaultlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	vcrypto "github.com/vaultlink/connect-go/internal/crypto"
	"github.com/vaultlink/connect-go/internal/keyring"
)

func staticAction(s string) func(*extensionSim) []byte {
	return func(*extensionSim) []byte { return []byte(s) }
}

// pairExtension stores a pairing record for the simulated extension, as if
// a pairing session had completed earlier, and returns the live session id.
func pairExtension(t *testing.T, store *MemoryPairingStore, sim *extensionSim) []byte {
	t.Helper()

	sessionID, err := vcrypto.GenerateRandom(vcrypto.SessionIDSize)
	if err != nil {
		t.Fatal(err)
	}
	err = store.Put(context.Background(), &PairingRecord{
		ID:             "peer-1",
		PublicKey:      vcrypto.ToHex(sim.identityPubBytes()),
		Name:           "Firefox",
		FirstConnected: time.Now().Add(-time.Hour),
		NextSessionID:  sessionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sessionID
}

// pullResult is the decrypted action result as the extension sees it.
type pullResult struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	ExpireInSeconds int    `json:"expireInSeconds"`
	Data            *struct {
		ID      string `json:"id"`
		Content struct {
			Name     string  `json:"name"`
			Username string  `json:"username"`
			Password *string `json:"s_password"`
		} `json:"content"`
	} `json:"data"`
}

func decodeResult(t *testing.T, sim *extensionSim) pullResult {
	t.Helper()
	sim.mu.Lock()
	defer sim.mu.Unlock()

	if len(sim.results) != 1 {
		t.Fatalf("extension received %d action results, want 1", len(sim.results))
	}
	var result pullResult
	if err := json.Unmarshal(sim.results[0], &result); err != nil {
		t.Fatal(err)
	}
	return result
}

func TestHandleWakeSignal_ReadSecret(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"readSecret","data":{"itemId":"item-c"}}`)
	vault := newFakeVault()
	seedVault(vault)

	var mu sync.Mutex
	var gated Action
	approver := func(ctx context.Context, action Action) (Approval, error) {
		mu.Lock()
		gated = action
		mu.Unlock()
		return Approval{Accepted: true}, nil
	}

	client, store, _ := newTestClient(t, sim, vault, approver)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	read, ok := gated.(ReadSecretAction)
	if !ok {
		t.Fatalf("approver saw %T, want ReadSecretAction", gated)
	}
	if read.Item.ID != "item-c" {
		t.Errorf("gated item = %s, want item-c", read.Item.ID)
	}

	result := decodeResult(t, sim)
	if result.Type != "readSecret" || result.Status != "accept" {
		t.Errorf("result = %s/%s, want readSecret/accept", result.Type, result.Status)
	}
	if result.ExpireInSeconds != resultExpirySeconds {
		t.Errorf("expireInSeconds = %d, want %d", result.ExpireInSeconds, resultExpirySeconds)
	}
	if result.Data == nil || result.Data.Content.Password == nil {
		t.Fatal("result carries no encrypted secret")
	}
	secret, err := sim.openSecureField(keyring.LabelSecureFieldConfirm, *result.Data.Content.Password)
	if err != nil {
		t.Fatal(err)
	}
	if secret != "c-secret" {
		t.Errorf("secret = %q, want c-secret", secret)
	}

	// The single-use session id rotated.
	record, err := store.Get(context.Background(), vcrypto.ToHex(sim.identityPubBytes()))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(record.NextSessionID, sessionID) {
		t.Error("session id was not rotated")
	}
	if !bytes.Equal(record.NextSessionID, sim.rotatedID) {
		t.Error("stored session id differs from the one sent to the peer")
	}
	if !sim.closedOK {
		t.Error("session did not close with success")
	}
}

func TestHandleWakeSignal_Rejected(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"deleteItem","data":{"itemId":"item-n"}}`)
	vault := newFakeVault()
	seedVault(vault)

	reject := func(ctx context.Context, action Action) (Approval, error) {
		return Approval{Accepted: false}, nil
	}

	client, store, _ := newTestClient(t, sim, vault, reject)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("HandleWakeSignal() error = %v, want ErrCancelled", err)
	}

	// Rejection must reach the vault never and the peer as a cancel.
	if len(vault.deleted) != 0 {
		t.Errorf("vault mutated despite rejection: %v", vault.deleted)
	}
	result := decodeResult(t, sim)
	if result.Type != "deleteItem" || result.Status != "cancel" {
		t.Errorf("result = %s/%s, want deleteItem/cancel", result.Type, result.Status)
	}
	if !sim.closedOK {
		t.Error("rejected session should still close cleanly")
	}

	record, err := store.Get(context.Background(), vcrypto.ToHex(sim.identityPubBytes()))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(record.NextSessionID, sessionID) {
		t.Error("session id was not rotated on rejection")
	}
}

func TestHandleWakeSignal_ReadSecretRestrictedTier(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"readSecret","data":{"itemId":"item-t"}}`)
	vault := newFakeVault()
	seedVault(vault)

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	// The tier forbids the read by construction; the peer must be able to
	// tell that apart from a user rejection.
	result := decodeResult(t, sim)
	if result.Status != string(StatusAddedButRestricted) {
		t.Errorf("status = %s, want %s", result.Status, StatusAddedButRestricted)
	}
	if result.Status == string(StatusCancel) {
		t.Error("tier restriction reported as a user rejection")
	}
	if result.Data != nil {
		t.Error("restricted result must not carry item data")
	}
	if !sim.closedOK {
		t.Error("session did not close with success")
	}
}

func TestHandleWakeSignal_RotationSurvivesCloseFailure(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"deleteItem","data":{"itemId":"item-n"}}`)
	sim.failCloseSuccess = true
	vault := newFakeVault()
	seedVault(vault)

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err == nil {
		t.Fatal("HandleWakeSignal() = nil, want close delivery error")
	}

	if len(vault.deleted) != 1 || vault.deleted[0] != "item-n" {
		t.Fatalf("vault deletions = %v, want [item-n]", vault.deleted)
	}

	// The peer already holds the rotated id from the pull request; losing
	// the final close message must not strand the pairing.
	record, getErr := store.Get(context.Background(), vcrypto.ToHex(sim.identityPubBytes()))
	if getErr != nil {
		t.Fatal(getErr)
	}
	if bytes.Equal(record.NextSessionID, sessionID) {
		t.Error("session id was not rotated after the answered action")
	}
	if !bytes.Equal(record.NextSessionID, sim.rotatedID) {
		t.Error("stored session id differs from the one sent to the peer")
	}
}

func TestHandleWakeSignal_CreateItem(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = func(e *extensionSim) []byte {
		return []byte(fmt.Sprintf(
			`{"type":"createItem","data":{"contentType":"login","content":{"url":"https://new.example","username":{"value":"bob"},"password":{"value":%q}}}}`,
			e.sealNewItemSecret("pw123")))
	}
	vault := newFakeVault()

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	if len(vault.created) != 1 {
		t.Fatalf("vault recorded %d creates, want 1", len(vault.created))
	}
	draft := vault.created[0]
	if draft.Username.Value != "bob" {
		t.Errorf("username = %q, want bob", draft.Username.Value)
	}
	if draft.Password.Value != "pw123" {
		t.Errorf("password = %q, want pw123", draft.Password.Value)
	}
	if len(draft.URIs) != 1 || draft.URIs[0] != "https://new.example" {
		t.Errorf("uris = %v", draft.URIs)
	}

	result := decodeResult(t, sim)
	if result.Type != "createItem" || result.Status != "added" {
		t.Errorf("result = %s/%s, want createItem/added", result.Type, result.Status)
	}
	if result.Data == nil || result.Data.Content.Password == nil {
		t.Fatal("added result carries no encrypted secret")
	}
	secret, err := sim.openSecureField(keyring.LabelSecureFieldNormal, *result.Data.Content.Password)
	if err != nil {
		t.Fatal(err)
	}
	if secret != "pw123" {
		t.Errorf("echoed secret = %q, want pw123", secret)
	}
}

func TestHandleWakeSignal_CreateRestrictedTier(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = func(e *extensionSim) []byte {
		return []byte(fmt.Sprintf(
			`{"type":"createItem","data":{"contentType":"login","content":{"url":"https://new.example","username":{"value":"bob"},"password":{"value":%q}}}}`,
			e.sealNewItemSecret("pw123")))
	}
	vault := newFakeVault()
	vault.createTier = TierTopSecret

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	if len(vault.created) != 1 {
		t.Fatalf("vault recorded %d creates, want 1", len(vault.created))
	}

	// The item landed in a tier whose secrets cannot travel: the status
	// says so and the payload is withheld.
	result := decodeResult(t, sim)
	if result.Status != string(StatusAddedButRestricted) {
		t.Errorf("status = %s, want %s", result.Status, StatusAddedButRestricted)
	}
	if result.Data != nil {
		t.Error("restricted result must not carry item data")
	}
}

func TestHandleWakeSignal_UpdateItem(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"updateItem","data":{"itemId":"item-n","contentType":"login","securityType":2,"sifFetched":true,"content":{"name":"renamed","username":{"value":"alice2"},"password":{"action":"generate"},"notes":"a note","uris":[{"text":"https://example.com","matcher":0}]},"tags":[]}}`)
	vault := newFakeVault()
	seedVault(vault)

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	draft, ok := vault.updated["item-n"]
	if !ok {
		t.Fatal("item-n was not updated")
	}
	if draft.Name != "renamed" || draft.Notes != "a note" {
		t.Errorf("draft = %+v", draft)
	}
	if draft.Username.Value != "alice2" {
		t.Errorf("username = %q, want alice2", draft.Username.Value)
	}
	if !draft.Password.Generate {
		t.Error("generate directive lost")
	}
	if draft.Tier == nil || *draft.Tier != TierNormal {
		t.Errorf("tier = %v, want normal", draft.Tier)
	}

	result := decodeResult(t, sim)
	if result.Type != "updateItem" || result.Status != "updated" {
		t.Errorf("result = %s/%s, want updateItem/updated", result.Type, result.Status)
	}
}

func TestHandleWakeSignal_FullResync(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"fullResync"}`)
	vault := newFakeVault()
	seedVault(vault)

	client, store, _ := newTestClient(t, sim, vault, acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if err != nil {
		t.Fatalf("HandleWakeSignal() error = %v", err)
	}

	var announce struct {
		Type        string `json:"type"`
		Status      string `json:"status"`
		TotalChunks int    `json:"totalChunks"`
		TotalSize   int    `json:"totalSize"`
		Digest      string `json:"sha256GzipVaultDataEnc"`
	}
	sim.mu.Lock()
	if len(sim.results) != 1 {
		sim.mu.Unlock()
		t.Fatalf("extension received %d action results, want 1", len(sim.results))
	}
	if err := json.Unmarshal(sim.results[0], &announce); err != nil {
		sim.mu.Unlock()
		t.Fatal(err)
	}
	sim.mu.Unlock()

	if announce.Type != "fullResync" || announce.Status != "accept" {
		t.Errorf("announce = %s/%s, want fullResync/accept", announce.Type, announce.Status)
	}

	snapshot, err := sim.decodeSnapshot(announce.TotalChunks, announce.Digest)
	if err != nil {
		t.Fatalf("decodeSnapshot() error = %v", err)
	}
	if len(snapshot.Items) != 2 {
		t.Errorf("resync snapshot has %d items, want 2", len(snapshot.Items))
	}
}

func TestHandleWakeSignal_MissingItem(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"readSecret","data":{"itemId":"nope"}}`)

	client, store, _ := newTestClient(t, sim, newFakeVault(), acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	if !errors.Is(err, ErrMissingItem) {
		t.Fatalf("HandleWakeSignal() error = %v, want ErrMissingItem", err)
	}
	if sim.closeErr == "" {
		t.Error("peer was not told about the failure")
	}
}

func TestHandleWakeSignal_UnknownActionKind(t *testing.T) {
	sim := newExtensionSim(t)
	sim.pendingAction = staticAction(`{"type":"formatDisk"}`)

	client, store, _ := newTestClient(t, sim, newFakeVault(), acceptAll)
	sessionID := pairExtension(t, store, sim)

	err := client.HandleWakeSignal(context.Background(), sim.wakeSignal(sessionID, "device-1"))
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("HandleWakeSignal() error = %v, want *ActionError", err)
	}
}
