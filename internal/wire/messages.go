package wire

// HelloPayload introduces the device to the extension.
type HelloPayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	DeviceOS   string `json:"deviceOs"`
	DeviceType string `json:"deviceType"`
}

// HelloResponse carries the extension's identity back.
type HelloResponse struct {
	BrowserName    string `json:"browserName"`
	BrowserVersion string `json:"browserVersion"`
	BrowserExtName string `json:"browserExtName"`
}

// ChallengePayload sends the local ephemeral public key (PKIX DER, base64)
// and the HKDF salt so the peer can derive the same session keys.
type ChallengePayload struct {
	EphemeralPublicKey string `json:"pkEpheMa"`
	HKDFSalt           string `json:"hkdfSalt"`
}

// ChallengeResponse is the peer's key confirmation: the salt encrypted
// under the session key it derived.
type ChallengeResponse struct {
	HKDFSaltEnc string `json:"hkdfSaltEnc"`
}

// PullPayload requests the single pending remote action. The fresh rotating
// session id travels encrypted under the data key.
type PullPayload struct {
	NewSessionIDEnc string `json:"newSessionIdEnc"`
}

// PullResponse carries the encrypted remote-action envelope.
type PullResponse struct {
	DataEnc string `json:"dataEnc"`
}

// PullActionPayload returns the encrypted action result to the peer.
type PullActionPayload struct {
	DataEnc string `json:"dataEnc"`
}

// InitTransferPayload announces a chunked snapshot transfer. Digest is the
// base64 SHA-256 of the encrypted compressed blob so the receiver can detect
// truncation or corruption.
type InitTransferPayload struct {
	TotalChunks     int    `json:"totalChunks"`
	TotalSize       int    `json:"totalSize"`
	Digest          string `json:"sha256GzipVaultDataEnc"`
	PushTokenEnc    string `json:"fcmTokenEnc"`
	NewSessionIDEnc string `json:"newSessionIdEnc"`
	ExpirationEnc   string `json:"expirationDateEnc,omitempty"`
}

// ChunkPayload is one ordered slice of the base64 transfer text. The final
// chunk is sent under ActionTransferChunkLast, not inferred from the index.
type ChunkPayload struct {
	ChunkIndex int    `json:"chunkIndex"`
	ChunkSize  int    `json:"chunkSize"`
	ChunkData  string `json:"chunkData"`
}

// ClosePayload reports a terminal error to the peer.
type ClosePayload struct {
	Error string `json:"error"`
}
