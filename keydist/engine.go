// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// ErrNoOlmSession is returned by Engine implementations when no olm
// session exists with a device and none can be established (no
// one-time key available). The orchestrator turns it into an
// m.no_olm withheld notice.
var ErrNoOlmSession = errors.New("keydist: no olm session with device")

// ErrUnknownMessageIndex is returned by Engine.DecryptMegolm when the
// ratchet cannot reach the message's chain index (the session was
// imported at a later index than the message was encrypted at).
var ErrUnknownMessageIndex = errors.New("keydist: message index before first known index")

// OutboundSession is an opaque outbound megolm session owned by the
// engine. All methods must be called under the orchestrator's per-room
// serialization; the underlying ratchet is not safe for concurrent use.
type OutboundSession interface {
	// ID returns the session identifier.
	ID() ref.SessionID

	// SessionKey exports the session key at the current ratchet
	// position. A recipient seeded with this export can decrypt from
	// MessageIndex onward, nothing earlier.
	SessionKey() (string, error)

	// MessageIndex returns the current ratchet position: the chain
	// index the next Encrypt call will use.
	MessageIndex() int64

	// Encrypt encrypts one message payload, advancing the ratchet.
	Encrypt(plaintext []byte) (string, error)
}

// Engine is the opaque olm/megolm primitive. Implementations wrap a
// ratchet library; this package never sees key material beyond moving
// the engine's opaque exports and pickles between the engine and the
// store.
type Engine interface {
	// NewOutboundSession creates a fresh outbound megolm session.
	NewOutboundSession(ctx context.Context) (OutboundSession, error)

	// ImportInboundSession seeds an inbound megolm session from an
	// exported session key, returning the pickled session state and
	// the first chain index the import can decrypt from.
	ImportInboundSession(ctx context.Context, sessionKey string) (pickle []byte, firstIndex int64, err error)

	// ExportInboundSessionAt re-exports a pickled inbound session at
	// the given chain index, for answering key re-requests without
	// granting more history than was originally shared.
	ExportInboundSessionAt(ctx context.Context, pickle []byte, index int64) (sessionKey string, err error)

	// DecryptMegolm decrypts one megolm ciphertext with a pickled
	// inbound session, returning the plaintext and the chain index the
	// message was encrypted at. Returns ErrUnknownMessageIndex when
	// the index is before the session's first known index.
	DecryptMegolm(ctx context.Context, pickle []byte, ciphertext string) (plaintext []byte, chainIndex int64, err error)

	// EnsureOlmSession establishes (or confirms) a pairwise olm
	// session with the device, claiming a one-time key if needed.
	// Returns ErrNoOlmSession when none can be established.
	EnsureOlmSession(ctx context.Context, device cryptostore.Device) error

	// EncryptToDevice olm-encrypts a payload for the device.
	EncryptToDevice(ctx context.Context, device cryptostore.Device, payload []byte) (wire.OlmCiphertext, error)

	// DecryptFromDevice decrypts an olm message from the sender
	// identified by its curve25519 key.
	DecryptFromDevice(ctx context.Context, senderKey ref.Curve25519Key, message wire.OlmCiphertext) ([]byte, error)
}

// Transport delivers to-device events. Implementations are the sync
// stack's send-to-device API; an error means the event was not
// delivered and the caller may retry.
type Transport interface {
	SendToDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, eventType string, content json.RawMessage) error
}

// DeviceDirectory enumerates the known devices of a user, as tracked
// by the device-list sync.
type DeviceDirectory interface {
	ListDevices(ctx context.Context, userID ref.UserID) ([]cryptostore.Device, error)
}
