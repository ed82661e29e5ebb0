// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// Encryption algorithm identifiers.
const (
	// AlgorithmMegolm is the ratcheting group algorithm used for room
	// messages.
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"

	// AlgorithmOlm is the pairwise double-ratchet algorithm used to
	// transport megolm session keys between devices.
	AlgorithmOlm = "m.olm.v1.curve25519-aes-sha2"
)

// Event types handled by the key-distribution subsystem.
const (
	EventTypeEncrypted       = "m.room.encrypted"
	EventTypeEncryption      = "m.room.encryption"
	EventTypeRoomKey         = "m.room_key"
	EventTypeRoomKeyWithheld = "m.room_key.withheld"
	EventTypeRoomKeyRequest  = "m.room_key_request"
	EventTypeForwardedKey    = "m.forwarded_room_key"
)
