// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/lattice-im/lattice/lib/ref"
)

// OlmCiphertext is one olm message addressed to a single device.
type OlmCiphertext struct {
	// Type is 0 for a pre-key message, 1 for a normal message.
	Type int `json:"type"`

	// Body is the olm ciphertext in unpadded base64.
	Body string `json:"body"`
}

// OlmEnvelope is the content of an olm-encrypted m.room.encrypted
// to-device event. Ciphertext is keyed by the recipient device's
// curve25519 identity key — a device picks out its own entry and
// ignores the rest.
type OlmEnvelope struct {
	Algorithm  string                   `json:"algorithm"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
	SenderKey  ref.Curve25519Key        `json:"sender_key"`
}

// CiphertextFor returns the olm message addressed to the given
// identity key, or false if the device is not among the recipients.
func (e *OlmEnvelope) CiphertextFor(identityKey ref.Curve25519Key) (OlmCiphertext, bool) {
	message, ok := e.Ciphertext[identityKey.String()]
	return message, ok
}

// OlmPayload is the plaintext carried inside an olm message. The
// sender/recipient/keys fields bind the inner event to the outer
// transport identity: a payload relayed by a third party or re-routed
// to a different device fails the binding checks even though the olm
// decryption itself succeeded.
type OlmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ref.RoomID      `json:"room_id,omitempty"`

	// Sender is the claimed Matrix user ID of the sending device.
	Sender ref.UserID `json:"sender"`

	// Recipient is the user ID the payload was encrypted for.
	Recipient ref.UserID `json:"recipient"`

	// RecipientKeys holds the recipient device's public keys as the
	// sender believed them ("ed25519" → signing key).
	RecipientKeys map[string]string `json:"recipient_keys"`

	// Keys holds the sender device's public keys ("ed25519" →
	// signing key), authenticated by the olm channel.
	Keys map[string]string `json:"keys"`
}

// SenderSigningKey returns the claimed ed25519 key of the sending
// device, or the zero value if absent.
func (p *OlmPayload) SenderSigningKey() ref.Ed25519Key {
	raw, ok := p.Keys["ed25519"]
	if !ok {
		return ref.Ed25519Key{}
	}
	key, err := ref.ParseEd25519Key(raw)
	if err != nil {
		return ref.Ed25519Key{}
	}
	return key
}

// ToDeviceEvent is a point-to-point event as delivered by sync.
// Content stays raw until the type is inspected; unknown types are
// skipped without decoding.
type ToDeviceEvent struct {
	Type    string          `json:"type"`
	Sender  ref.UserID      `json:"sender"`
	Content json.RawMessage `json:"content"`
}

// DecodeContent unmarshals the event content into out, reporting
// malformed JSON with the event type for context.
func (e *ToDeviceEvent) DecodeContent(out any) error {
	if err := json.Unmarshal(e.Content, out); err != nil {
		return fmt.Errorf("decoding %s content: %w", e.Type, err)
	}
	return nil
}
