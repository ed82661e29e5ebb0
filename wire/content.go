// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"time"

	"github.com/lattice-im/lattice/lib/ref"
)

// RoomKeyContent is the decrypted payload of an m.room_key to-device
// event: a megolm session key being granted to this device. Immutable
// once decoded; consumed exactly once to seed or advance an inbound
// session.
type RoomKeyContent struct {
	Algorithm  string        `json:"algorithm"`
	RoomID     ref.RoomID    `json:"room_id"`
	SessionID  ref.SessionID `json:"session_id"`
	SessionKey string        `json:"session_key"`
	ChainIndex ChainIndex    `json:"chain_index"`

	// SharedHistory marks the session as shareable with new room
	// members for history visibility (MSC3061).
	SharedHistory bool `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// Validate checks the required fields. Algorithm must be megolm —
// room keys for other algorithms are not understood.
func (c *RoomKeyContent) Validate() error {
	if c.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("room key has unsupported algorithm %q", c.Algorithm)
	}
	if c.RoomID.IsZero() {
		return fmt.Errorf("room key missing room_id")
	}
	if c.SessionID.IsZero() {
		return fmt.Errorf("room key missing session_id")
	}
	if c.SessionKey == "" {
		return fmt.Errorf("room key missing session_key")
	}
	return nil
}

// ForwardedRoomKeyContent is the decrypted payload of an
// m.forwarded_room_key to-device event: a session key re-shared by
// another device in answer to a key request. The export carries the
// claimed sender identity and the forwarding chain; receivers mark
// such sessions untrusted until the chain is verified.
type ForwardedRoomKeyContent struct {
	Algorithm   string            `json:"algorithm"`
	RoomID      ref.RoomID        `json:"room_id"`
	SenderKey   ref.Curve25519Key `json:"sender_key"`
	SessionID   ref.SessionID     `json:"session_id"`
	SessionKey  string            `json:"session_key"`
	ChainIndex  ChainIndex        `json:"chain_index,omitempty"`
	ClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`

	// ForwardingChain lists the curve25519 keys of every device the
	// key passed through before reaching us, oldest first.
	ForwardingChain []string `json:"forwarding_curve25519_key_chain"`

	SharedHistory bool `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// Validate checks the required fields.
func (c *ForwardedRoomKeyContent) Validate() error {
	if c.Algorithm != AlgorithmMegolm {
		return fmt.Errorf("forwarded room key has unsupported algorithm %q", c.Algorithm)
	}
	if c.RoomID.IsZero() || c.SessionID.IsZero() || c.SessionKey == "" || c.SenderKey.IsZero() {
		return fmt.Errorf("forwarded room key missing required fields")
	}
	return nil
}

// Session rotation defaults, applied when m.room.encryption omits the
// rotation parameters.
const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
)

// EncryptionEventContent is the content of the m.room.encryption state
// event that enables encryption in a room and configures outbound
// session rotation.
type EncryptionEventContent struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   *int64 `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs *int64 `json:"rotation_period_msgs,omitempty"`
}

// RotationPeriod returns the configured rotation period, or the
// default (one week) when unset or non-positive.
func (c *EncryptionEventContent) RotationPeriod() time.Duration {
	if c.RotationPeriodMs == nil || *c.RotationPeriodMs <= 0 {
		return DefaultRotationPeriod
	}
	return time.Duration(*c.RotationPeriodMs) * time.Millisecond
}

// RotationMessages returns the configured per-session message budget,
// or the default (100) when unset or non-positive.
func (c *EncryptionEventContent) RotationMessages() int64 {
	if c.RotationPeriodMsgs == nil || *c.RotationPeriodMsgs <= 0 {
		return DefaultRotationMessages
	}
	return *c.RotationPeriodMsgs
}

// RelatesTo carries an event relation through encryption in cleartext
// (relations must stay visible to the server for aggregation).
type RelatesTo struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// EncryptedEventContent is the content of an m.room.encrypted room
// event carrying a megolm ciphertext.
type EncryptedEventContent struct {
	Algorithm  string            `json:"algorithm"`
	Ciphertext string            `json:"ciphertext"`
	DeviceID   ref.DeviceID      `json:"device_id,omitempty"`
	SenderKey  ref.Curve25519Key `json:"sender_key,omitempty"`
	SessionID  ref.SessionID     `json:"session_id"`
	RelatesTo  *RelatesTo        `json:"m.relates_to,omitempty"`
}

// RoomKeyRequestContent is the content of an m.room_key_request
// to-device event: a device asking peers to re-share a session it is
// missing.
type RoomKeyRequestContent struct {
	// Action is "request" or "request_cancellation".
	Action             string              `json:"action"`
	Body               *RoomKeyRequestBody `json:"body,omitempty"`
	RequestingDeviceID ref.DeviceID        `json:"requesting_device_id"`
	RequestID          string              `json:"request_id"`
}

// RoomKeyRequestBody identifies the session being requested. Absent
// for cancellations.
type RoomKeyRequestBody struct {
	Algorithm string            `json:"algorithm"`
	RoomID    ref.RoomID        `json:"room_id"`
	SenderKey ref.Curve25519Key `json:"sender_key"`
	SessionID ref.SessionID     `json:"session_id"`
}

// Room key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "request_cancellation"
)
