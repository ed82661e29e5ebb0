// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/lattice-im/lattice/lib/ref"
)

// WithheldCode is the machine-readable reason a key was not shared.
// The taxonomy on the wire is open-ended: codes this client does not
// recognize decode to a value whose Known method reports false while
// String still returns the raw wire string. Callers must treat an
// unknown code as a generic refusal, never as a decode failure.
//
// The zero value means "no code was given" and is valid on the wire
// (the code field is technically optional).
type WithheldCode struct {
	value string
}

// Known withheld codes.
var (
	// WithheldBlacklisted: the sender has blocked this device.
	WithheldBlacklisted = WithheldCode{"m.blacklisted"}

	// WithheldUnverified: the sender only shares keys with verified
	// devices, and this device is not verified.
	WithheldUnverified = WithheldCode{"m.unverified"}

	// WithheldUnauthorised: the requesting device is not entitled to
	// the key (for example, it was never in the room, or the session
	// was never shared with it).
	WithheldUnauthorised = WithheldCode{"m.unauthorised"}

	// WithheldUnavailable: the sender no longer holds the session.
	WithheldUnavailable = WithheldCode{"m.unavailable"}

	// WithheldNoOlm: the sender could not establish an olm session
	// with this device (no one-time keys available).
	WithheldNoOlm = WithheldCode{"m.no_olm"}
)

var knownWithheldCodes = map[string]bool{
	WithheldBlacklisted.value:  true,
	WithheldUnverified.value:   true,
	WithheldUnauthorised.value: true,
	WithheldUnavailable.value:  true,
	WithheldNoOlm.value:        true,
}

// ParseWithheldCode wraps a raw wire code string. Never fails:
// unrecognized strings produce an unknown code carrying the raw value.
func ParseWithheldCode(raw string) WithheldCode {
	return WithheldCode{value: raw}
}

// String returns the raw wire code string.
func (c WithheldCode) String() string { return c.value }

// IsZero reports whether no code was given.
func (c WithheldCode) IsZero() bool { return c.value == "" }

// Known reports whether the code is one of the recognized values.
func (c WithheldCode) Known() bool { return knownWithheldCodes[c.value] }

// HumanReason returns a user-facing explanation for the code. Unknown
// and absent codes get the generic refusal text.
func (c WithheldCode) HumanReason() string {
	switch c {
	case WithheldBlacklisted:
		return "the sender has blocked you"
	case WithheldUnverified:
		return "the sender only shares keys with verified devices"
	case WithheldUnauthorised:
		return "you are not authorised to read the message"
	case WithheldUnavailable:
		return "the sender no longer has the key for this message"
	case WithheldNoOlm:
		return "the sender was unable to establish a secure channel"
	default:
		return "the sender withheld the key for this message"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c WithheldCode) MarshalText() ([]byte, error) {
	return []byte(c.value), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Never fails.
func (c *WithheldCode) UnmarshalText(data []byte) error {
	*c = WithheldCode{value: string(data)}
	return nil
}

// RoomKeyWithheldContent is the content of an m.room_key.withheld
// to-device event: a deliberate refusal to share a session key.
// room_id and session_id are absent for code m.no_olm, which refuses
// all current and future keys for the device rather than one session.
type RoomKeyWithheldContent struct {
	RoomID     ref.RoomID        `json:"room_id,omitempty"`
	Algorithm  string            `json:"algorithm"`
	SessionID  ref.SessionID     `json:"session_id,omitempty"`
	SenderKey  ref.Curve25519Key `json:"sender_key"`
	Code       WithheldCode      `json:"code"`
	Reason     string            `json:"reason,omitempty"`
	FromDevice ref.DeviceID      `json:"from_device,omitempty"`
}
