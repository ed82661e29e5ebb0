// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// DecryptRoomEvent decrypts a megolm-encrypted room event and guards
// against replay. Recoverable failures (unknown session, unknown
// message index) fire an automatic key re-request before the error is
// returned; the caller can then AwaitKey and retry. Security-relevant
// mismatches are surfaced unchanged and must not be retried with the
// same key.
func (o *Orchestrator) DecryptRoomEvent(ctx context.Context, roomID ref.RoomID, eventID string, content *wire.EncryptedEventContent) ([]byte, error) {
	if content.Algorithm != wire.AlgorithmMegolm {
		return nil, newError(CodeBadEncryptedMessage, fmt.Sprintf("unsupported algorithm %q", content.Algorithm))
	}
	if content.Ciphertext == "" {
		return nil, newError(CodeMissingCipherText, "encrypted event has no ciphertext")
	}
	if content.SenderKey.IsZero() {
		return nil, newError(CodeMissingSenderKey, "encrypted event has no sender key")
	}
	if content.SessionID.IsZero() {
		return nil, newError(CodeMissingFields, "encrypted event has no session ID")
	}

	session, err := o.store.GetInboundSession(ctx, content.SessionID, content.SenderKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		o.requestKey(ctx, roomID, content.SessionID, content.SenderKey)
		return nil, newError(CodeUnknownInboundSessionID,
			fmt.Sprintf("no inbound session %s, key re-requested", content.SessionID))
	}
	if session.RoomID != roomID {
		return nil, newError(CodeInboundSessionMismatchRoom,
			fmt.Sprintf("session %s belongs to another room", content.SessionID))
	}

	plaintext, chainIndex, err := o.engine.DecryptMegolm(ctx, session.Pickle, content.Ciphertext)
	if err != nil {
		if errors.Is(err, ErrUnknownMessageIndex) {
			o.requestKey(ctx, roomID, content.SessionID, content.SenderKey)
			return nil, wrapError(CodeUnknownMessageIndex, "message predates held key, re-requested", err)
		}
		return nil, wrapError(CodeOlmError, "megolm decryption failed", err)
	}

	fresh, err := o.store.RecordMessageIndex(ctx, content.SessionID, content.SenderKey, chainIndex, eventID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, newError(CodeDuplicatedMessageIndex,
			fmt.Sprintf("chain index %d already used by another event", chainIndex))
	}
	return plaintext, nil
}

// requestKey sends an m.room_key_request to our other devices and to
// the device that claims to have sent the message, at most once per
// outstanding session. Best-effort: transport failures are logged, the
// decrypt error the caller gets already tells it the key is missing.
func (o *Orchestrator) requestKey(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID, senderKey ref.Curve25519Key) {
	o.requestMu.Lock()
	if _, pending := o.outstanding[sessionID]; pending {
		o.requestMu.Unlock()
		return
	}
	o.requestSeq++
	requestID := fmt.Sprintf("%s-%d", o.deviceID, o.requestSeq)
	o.outstanding[sessionID] = outgoingRequest{requestID: requestID, senderKey: senderKey}
	o.requestMu.Unlock()

	content, err := json.Marshal(wire.RoomKeyRequestContent{
		Action: wire.KeyRequestActionRequest,
		Body: &wire.RoomKeyRequestBody{
			Algorithm: wire.AlgorithmMegolm,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestingDeviceID: o.deviceID,
		RequestID:          requestID,
	})
	if err != nil {
		o.logger.Error("encode key request", "error", err)
		return
	}

	o.logger.Info("re-requesting room key",
		"room_id", roomID,
		"session_id", sessionID,
		"request_id", requestID,
	)
	o.sendKeyRequest(ctx, content, senderKey)
}

// CancelKeyRequest withdraws an outstanding key request for the
// session, notifying every device the request went to. No-op when
// nothing is pending.
func (o *Orchestrator) CancelKeyRequest(ctx context.Context, sessionID ref.SessionID) error {
	o.requestMu.Lock()
	request, pending := o.outstanding[sessionID]
	delete(o.outstanding, sessionID)
	o.requestMu.Unlock()
	if !pending {
		return nil
	}

	content, err := json.Marshal(wire.RoomKeyRequestContent{
		Action:             wire.KeyRequestActionCancel,
		RequestingDeviceID: o.deviceID,
		RequestID:          request.requestID,
	})
	if err != nil {
		return fmt.Errorf("keydist: encode key request cancellation: %w", err)
	}
	o.sendKeyRequest(ctx, content, request.senderKey)
	return nil
}

// sendKeyRequest fans a key request (or its cancellation) out to our
// other devices plus the device holding the claimed sender key, when
// the trust store knows it.
func (o *Orchestrator) sendKeyRequest(ctx context.Context, content json.RawMessage, senderKey ref.Curve25519Key) {
	sent := make(map[string]bool)
	send := func(userID ref.UserID, deviceID ref.DeviceID) {
		target := userID.String() + "|" + deviceID.String()
		if sent[target] {
			return
		}
		sent[target] = true
		err := o.transport.SendToDevice(ctx, userID, deviceID, wire.EventTypeRoomKeyRequest, content)
		if err != nil {
			o.logger.Warn("key request send failed",
				"user_id", userID,
				"device_id", deviceID,
				"error", err,
			)
		}
	}

	devices, err := o.directory.ListDevices(ctx, o.userID)
	if err != nil {
		o.logger.Warn("listing own devices for key request", "error", err)
	}
	for _, device := range devices {
		if device.DeviceID == o.deviceID {
			continue
		}
		send(device.UserID, device.DeviceID)
	}

	if senderKey.IsZero() {
		return
	}
	sender, err := o.store.DeviceByIdentityKey(ctx, senderKey)
	if err != nil {
		o.logger.Warn("resolving claimed sender device", "error", err)
		return
	}
	if sender == nil {
		o.logger.Info("claimed sender device unknown, key request limited to own devices",
			"sender_key", wire.KeyFingerprint(senderKey.String()),
		)
		return
	}
	if sender.UserID == o.userID && sender.DeviceID == o.deviceID {
		return
	}
	send(sender.UserID, sender.DeviceID)
}

// clearOutstandingRequest drops the pending-request marker once the
// key (or a withheld notice) arrived.
func (o *Orchestrator) clearOutstandingRequest(sessionID ref.SessionID) {
	o.requestMu.Lock()
	delete(o.outstanding, sessionID)
	o.requestMu.Unlock()
}
