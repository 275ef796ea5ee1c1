package wire

import (
	"encoding/json"
	"fmt"
)

const (
	// AlgorithmV1 identifies HKDF-SHA256 key derivation with AES-256-GCM
	// message encryption. It is the only algorithm currently defined.
	AlgorithmV1 = "v1.hkdf-sha256.aes-256-gcm"

	// TransportHTTP identifies the HTTP one-slot mailbox transport.
	TransportHTTP = "http.v1"

	// IntentLogin is the only intent a QR login code currently carries.
	IntentLogin = "login.start"
)

// RendezvousTransportDetails describes how to reach a rendezvous session.
// Immutable once assigned.
type RendezvousTransportDetails struct {
	// Type is the transport kind (TransportHTTP).
	Type string `json:"type"`
	// URI is the session-specific endpoint on the relay.
	URI string `json:"uri"`
}

// RendezvousDetails carries the rendezvous offer. Transport and Key start
// absent and are filled in once the session exists on the relay.
type RendezvousDetails struct {
	// Algorithm is the key-derivation/encryption scheme identifier.
	Algorithm string `json:"algorithm"`
	// Transport is present once the channel has been opened.
	Transport *RendezvousTransportDetails `json:"transport,omitempty"`
	// Key is the base64-encoded shared secret the session key is derived
	// from.
	Key string `json:"key,omitempty"`
}

// QRLoginCode is the full content encoded in the QR image. Produced by the
// existing device, consumed by the new device, immutable once scanned.
type QRLoginCode struct {
	Rendezvous RendezvousDetails `json:"rendezvous"`
	Intent     string            `json:"intent"`
}

// Encode serializes the code to the JSON form rendered into the QR image.
func (c QRLoginCode) Encode() ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// ParseQRLoginCode parses and validates scanned QR content.
func ParseQRLoginCode(data []byte) (QRLoginCode, error) {
	var code QRLoginCode
	if err := json.Unmarshal(data, &code); err != nil {
		return QRLoginCode{}, fmt.Errorf("malformed login code: %w", err)
	}
	if err := code.validate(); err != nil {
		return QRLoginCode{}, err
	}
	return code, nil
}

func (c QRLoginCode) validate() error {
	if c.Intent != IntentLogin {
		return fmt.Errorf("unsupported intent %q", c.Intent)
	}
	if c.Rendezvous.Algorithm == "" {
		return fmt.Errorf("login code missing algorithm")
	}
	if c.Rendezvous.Key == "" {
		return fmt.Errorf("login code missing key material")
	}
	if c.Rendezvous.Transport == nil || c.Rendezvous.Transport.URI == "" {
		return fmt.Errorf("login code missing transport details")
	}
	if c.Rendezvous.Transport.Type != TransportHTTP {
		return fmt.Errorf("unsupported transport type %q", c.Rendezvous.Transport.Type)
	}
	return nil
}

// Message is the wire envelope for every encrypted payload exchanged over the
// rendezvous channel. The IV is never reused across messages for one session
// key.
type Message struct {
	// IV is the base64-encoded per-message initialization vector.
	IV string `json:"iv"`
	// Ciphertext is the base64-encoded encrypted payload, tag included.
	Ciphertext string `json:"ciphertext"`
}
