// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// OnToDeviceEvent applies one incoming to-device event to local state.
// Unknown event types are ignored, not errors. A returned error means
// this single event was dropped; the caller continues with the rest of
// the batch.
//
// Events must be applied in the order the transport delivered them.
func (o *Orchestrator) OnToDeviceEvent(ctx context.Context, event *wire.ToDeviceEvent) error {
	switch event.Type {
	case wire.EventTypeEncrypted:
		return o.onEncryptedToDevice(ctx, event)
	case wire.EventTypeRoomKeyWithheld:
		return o.onWithheld(ctx, event)
	case wire.EventTypeRoomKeyRequest:
		return o.onKeyRequest(ctx, event)
	default:
		return nil
	}
}

// onEncryptedToDevice unwraps an olm envelope addressed to this
// device, enforces the sender/recipient binding of the inner payload,
// and dispatches the inner event.
func (o *Orchestrator) onEncryptedToDevice(ctx context.Context, event *wire.ToDeviceEvent) error {
	var envelope wire.OlmEnvelope
	if err := event.DecodeContent(&envelope); err != nil {
		return wrapError(CodeBadEventFormat, "malformed olm envelope", err)
	}
	if envelope.Algorithm != wire.AlgorithmOlm {
		return newError(CodeBadEncryptedMessage,
			fmt.Sprintf("to-device event with unsupported algorithm %q", envelope.Algorithm))
	}
	if envelope.SenderKey.IsZero() {
		return newError(CodeMissingSenderKey, "olm envelope has no sender key")
	}

	message, ok := envelope.CiphertextFor(o.identityKey)
	if !ok {
		return newError(CodeNotIncludedInRecipients, "olm envelope has no ciphertext for this device")
	}
	if message.Body == "" {
		return newError(CodeMissingCipherText, "olm ciphertext body is empty")
	}

	plaintext, err := o.engine.DecryptFromDevice(ctx, envelope.SenderKey, message)
	if err != nil {
		return wrapError(CodeOlmError, "olm decryption failed", err)
	}

	var payload wire.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return wrapError(CodeBadDecryptedFormat, "olm plaintext is not a valid payload", err)
	}

	// Binding checks: the decrypted payload must name this exact
	// device as its recipient and the outer sender as its author. A
	// payload relayed by a third party fails here even though the olm
	// decryption itself succeeded.
	if payload.Recipient != o.userID {
		return newError(CodeBadRecipient,
			fmt.Sprintf("payload addressed to %s, not us", payload.Recipient))
	}
	if key := payload.RecipientKeys["ed25519"]; key != o.signingKey.String() {
		return newError(CodeBadRecipientKey, "payload bound to a different device key")
	}
	if payload.Sender != event.Sender {
		return newError(CodeForwardedMessage,
			fmt.Sprintf("payload claims sender %s but was delivered by %s", payload.Sender, event.Sender))
	}

	switch payload.Type {
	case wire.EventTypeRoomKey:
		return o.applyRoomKey(ctx, envelope.SenderKey, &payload)
	case wire.EventTypeForwardedKey:
		return o.applyForwardedKey(ctx, &payload)
	default:
		return nil
	}
}

// applyRoomKey seeds or advances an inbound session from an m.room_key
// payload.
func (o *Orchestrator) applyRoomKey(ctx context.Context, senderKey ref.Curve25519Key, payload *wire.OlmPayload) error {
	var content wire.RoomKeyContent
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		return wrapError(CodeBadEventFormat, "malformed room key content", err)
	}
	if err := content.Validate(); err != nil {
		return wrapError(CodeMissingFields, "invalid room key", err)
	}

	// A session ID is bound to one room forever. A key claiming a
	// different room for a known session is an attack or corruption,
	// never applied.
	existing, err := o.store.GetInboundSession(ctx, content.SessionID, senderKey)
	if err != nil {
		return err
	}
	if existing != nil && existing.RoomID != content.RoomID {
		return newError(CodeInboundSessionMismatchRoom,
			fmt.Sprintf("session %s is bound to another room", content.SessionID))
	}

	pickle, firstIndex, err := o.engine.ImportInboundSession(ctx, content.SessionKey)
	if err != nil {
		return wrapError(CodeOlmError, "importing room key", err)
	}
	written, err := o.store.PutInboundSession(ctx, cryptostore.InboundSession{
		SessionID:       content.SessionID,
		SenderKey:       senderKey,
		RoomID:          content.RoomID,
		FirstKnownIndex: firstIndex,
		SharedHistory:   content.SharedHistory,
		Trusted:         true,
		Pickle:          pickle,
	})
	if err != nil {
		return err
	}

	o.logger.Info("room key received",
		"room_id", content.RoomID,
		"session_id", content.SessionID,
		"sender_key", wire.KeyFingerprint(senderKey.String()),
		"chain_index", int64(content.ChainIndex),
		"stored", written,
	)
	o.clearOutstandingRequest(content.SessionID)
	o.resolveWaiters(content.SessionID, KeyOutcome{Arrived: true})
	return nil
}

// applyForwardedKey imports a re-shared session from an
// m.forwarded_room_key payload. The forwarding chain is not verified
// here, so the session is stored untrusted.
func (o *Orchestrator) applyForwardedKey(ctx context.Context, payload *wire.OlmPayload) error {
	var content wire.ForwardedRoomKeyContent
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		return wrapError(CodeBadEventFormat, "malformed forwarded room key content", err)
	}
	if err := content.Validate(); err != nil {
		return wrapError(CodeMissingFields, "invalid forwarded room key", err)
	}

	existing, err := o.store.GetInboundSession(ctx, content.SessionID, content.SenderKey)
	if err != nil {
		return err
	}
	if existing != nil && existing.RoomID != content.RoomID {
		return newError(CodeInboundSessionMismatchRoom,
			fmt.Sprintf("session %s is bound to another room", content.SessionID))
	}

	pickle, firstIndex, err := o.engine.ImportInboundSession(ctx, content.SessionKey)
	if err != nil {
		return wrapError(CodeOlmError, "importing forwarded room key", err)
	}
	written, err := o.store.PutInboundSession(ctx, cryptostore.InboundSession{
		SessionID:       content.SessionID,
		SenderKey:       content.SenderKey,
		RoomID:          content.RoomID,
		FirstKnownIndex: firstIndex,
		SharedHistory:   content.SharedHistory,
		Trusted:         false,
		Pickle:          pickle,
	})
	if err != nil {
		return err
	}

	o.logger.Info("forwarded room key received",
		"room_id", content.RoomID,
		"session_id", content.SessionID,
		"forwarded_by", payload.Sender,
		"chain_hops", len(content.ForwardingChain),
		"stored", written,
	)
	o.clearOutstandingRequest(content.SessionID)
	o.resolveWaiters(content.SessionID, KeyOutcome{Arrived: true})
	return nil
}

// onWithheld resolves pending key waits with the sender's refusal.
// Withholding is informational: it never fails event processing.
func (o *Orchestrator) onWithheld(ctx context.Context, event *wire.ToDeviceEvent) error {
	var content wire.RoomKeyWithheldContent
	if err := event.DecodeContent(&content); err != nil {
		return wrapError(CodeBadEventFormat, "malformed withheld content", err)
	}

	o.logger.Info("room key withheld",
		"room_id", content.RoomID,
		"session_id", content.SessionID,
		"code", content.Code,
		"known_code", content.Code.Known(),
		"reason", content.Reason,
	)

	// m.no_olm arrives without a session ID: it refuses all keys for
	// this device rather than one session, so there is no specific
	// waiter to resolve.
	if content.SessionID.IsZero() {
		return nil
	}
	o.clearOutstandingRequest(content.SessionID)
	o.resolveWaiters(content.SessionID, KeyOutcome{Withheld: content.Code})
	return nil
}

// onKeyRequest answers an m.room_key_request from another device:
// re-share the session at the index it was originally granted, or send
// a withheld notice. A decision already in the withheld registry is
// served from there without recomputing trust.
func (o *Orchestrator) onKeyRequest(ctx context.Context, event *wire.ToDeviceEvent) error {
	var content wire.RoomKeyRequestContent
	if err := event.DecodeContent(&content); err != nil {
		return wrapError(CodeBadEventFormat, "malformed key request", err)
	}
	if content.Action != wire.KeyRequestActionRequest || content.Body == nil {
		// Cancellations need no action: requests are answered
		// immediately, never queued.
		return nil
	}
	body := content.Body
	if body.Algorithm != wire.AlgorithmMegolm || body.SessionID.IsZero() {
		return nil
	}

	device, err := o.store.GetDevice(ctx, event.Sender, content.RequestingDeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		o.logger.Warn("key request from unknown device",
			"user_id", event.Sender,
			"device_id", content.RequestingDeviceID,
		)
		return nil
	}

	// Cached decision: identical re-requests are answered from the
	// registry.
	if code, found, err := o.store.WithheldDecision(ctx, body.RoomID, body.SessionID); err != nil {
		return err
	} else if found {
		o.logger.Info("key request answered from withheld registry",
			"session_id", body.SessionID,
			"device_id", device.DeviceID,
			"code", code,
		)
		return o.sendWithheld(ctx, *device, body.RoomID, body.SessionID, code)
	}

	if device.Trust == cryptostore.TrustBlocked {
		return o.withholdForRequest(ctx, *device, body.RoomID, body.SessionID, wire.WithheldBlacklisted)
	}

	// Only sessions we actually granted to this exact device are
	// re-shared, and only at the index originally granted.
	ledgerKey := cryptostore.LedgerKey{
		RoomID:      body.RoomID,
		SessionID:   body.SessionID,
		Algorithm:   wire.AlgorithmMegolm,
		UserID:      device.UserID,
		DeviceID:    device.DeviceID,
		IdentityKey: device.IdentityKey,
	}
	grantedIndex, granted, err := o.store.RecordedIndex(ctx, ledgerKey)
	if err != nil {
		return err
	}
	if !granted {
		return o.withholdForRequest(ctx, *device, body.RoomID, body.SessionID, wire.WithheldUnauthorised)
	}

	session, err := o.store.GetInboundSession(ctx, body.SessionID, o.identityKey)
	if err != nil {
		return err
	}
	if session == nil {
		return o.withholdForRequest(ctx, *device, body.RoomID, body.SessionID, wire.WithheldUnavailable)
	}

	if err := o.engine.EnsureOlmSession(ctx, *device); err != nil {
		return o.withholdForRequest(ctx, *device, body.RoomID, body.SessionID, wire.WithheldNoOlm)
	}

	sessionKey, err := o.engine.ExportInboundSessionAt(ctx, session.Pickle, grantedIndex)
	if err != nil {
		return wrapError(CodeOlmError, "re-exporting session for key request", err)
	}
	envelope, err := o.encryptToDevicePayload(ctx, *device, wire.EventTypeForwardedKey, wire.ForwardedRoomKeyContent{
		Algorithm:       wire.AlgorithmMegolm,
		RoomID:          body.RoomID,
		SenderKey:       o.identityKey,
		SessionID:       body.SessionID,
		SessionKey:      sessionKey,
		ChainIndex:      wire.ChainIndex(grantedIndex),
		ForwardingChain: []string{},
		SharedHistory:   session.SharedHistory,
	})
	if err != nil {
		return err
	}
	if err := o.transport.SendToDevice(ctx, device.UserID, device.DeviceID, wire.EventTypeEncrypted, envelope); err != nil {
		return fmt.Errorf("keydist: answering key request: %w", err)
	}

	o.logger.Info("key request answered",
		"session_id", body.SessionID,
		"user_id", device.UserID,
		"device_id", device.DeviceID,
		"chain_index", grantedIndex,
	)
	return nil
}

// withholdForRequest records a fresh withholding decision and notifies
// the requester.
func (o *Orchestrator) withholdForRequest(ctx context.Context, device cryptostore.Device, roomID ref.RoomID, sessionID ref.SessionID, code wire.WithheldCode) error {
	if err := o.store.RecordWithheldDecision(ctx, roomID, sessionID, code, code.HumanReason()); err != nil {
		return err
	}
	o.logger.Info("key request refused",
		"session_id", sessionID,
		"user_id", device.UserID,
		"device_id", device.DeviceID,
		"code", code,
	)
	return o.sendWithheld(ctx, device, roomID, sessionID, code)
}

// sendWithheld delivers a withheld notice without touching the
// registry.
func (o *Orchestrator) sendWithheld(ctx context.Context, device cryptostore.Device, roomID ref.RoomID, sessionID ref.SessionID, code wire.WithheldCode) error {
	content, err := json.Marshal(wire.RoomKeyWithheldContent{
		RoomID:     roomID,
		Algorithm:  wire.AlgorithmMegolm,
		SessionID:  sessionID,
		SenderKey:  o.identityKey,
		Code:       code,
		Reason:     code.HumanReason(),
		FromDevice: o.deviceID,
	})
	if err != nil {
		return fmt.Errorf("keydist: encode withheld content: %w", err)
	}
	if err := o.transport.SendToDevice(ctx, device.UserID, device.DeviceID, wire.EventTypeRoomKeyWithheld, content); err != nil {
		return fmt.Errorf("keydist: sending withheld notice: %w", err)
	}
	return nil
}
