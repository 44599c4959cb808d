// Package vaultlink implements the device side of the VaultLink browser
// extension protocol: pairing over a QR-code bootstrap, end-to-end
// encrypted vault snapshot transfer, and wake-signal driven pull sessions
// in which the extension requests secrets or item changes gated on explicit
// user approval.
//
// All traffic crosses an untrusted relay. Each session runs an ephemeral
// P-256 key agreement and derives purpose-scoped AES-256-GCM keys via
// HKDF-SHA256; the relay only ever sees ciphertext. Items in the
// top-secret protection tier never leave the device because no session key
// for that tier can be derived at all.
//
// Basic usage:
//
//	client, err := vaultlink.New(deviceID, store, exporter, gate, approver)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Pair with an extension from its QR code
//	err = client.Pair(ctx, sessionInfo, vaultlink.WithProgress(showProgress))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Serve a pull request announced by a push notification
//	err = client.HandleWakeSignal(ctx, wakeSignal)
//	if err != nil {
//	    log.Fatal(err)
//	}
package vaultlink
