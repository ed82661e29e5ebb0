// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/clock"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// Config holds the orchestrator's collaborators and local identity.
type Config struct {
	Store     *cryptostore.Store
	Engine    Engine
	Transport Transport
	Directory DeviceDirectory

	// Clock drives session rotation. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Key material is only ever
	// logged as fingerprints. If nil, logs are dropped.
	Logger *slog.Logger

	// Local device identity: the sender side of every outgoing envelope.
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key
	SigningKey  ref.Ed25519Key

	// SpoolLimit is the in-memory byte budget for one share fan-out
	// before the batch spills to disk. Defaults to 1 MiB.
	SpoolLimit int
}

// sessionPhase is the lifecycle state of a room's outbound session.
type sessionPhase int

const (
	phaseNone sessionPhase = iota
	phaseActive
	phaseRotating
	phaseExpired
)

// roomState is the per-room outbound session state. All fields are
// guarded by mu; the orchestrator serializes every outbound operation
// on a room under it, which also satisfies the engine's requirement
// that a ratchet session is never used concurrently.
type roomState struct {
	mu sync.Mutex

	phase     sessionPhase
	session   OutboundSession
	createdAt time.Time
	messages  int64

	encryption    wire.EncryptionEventContent
	sharedHistory bool

	// notified remembers which devices already received a withheld
	// notice for the current session, so a blocked device gets one
	// notice per session instead of one per message. Reset on rotation.
	notified map[string]wire.WithheldCode
}

// KeyOutcome is how a pending key wait resolved: either the session
// key arrived, or the sender withheld it with the given code.
type KeyOutcome struct {
	Arrived  bool
	Withheld wire.WithheldCode
}

// Orchestrator is the stateful core of key distribution. Safe for
// concurrent use; outbound work is serialized per room, and incoming
// to-device events must be fed in arrival order by a single caller.
type Orchestrator struct {
	store     *cryptostore.Store
	engine    Engine
	transport Transport
	directory DeviceDirectory
	clock     clock.Clock
	logger    *slog.Logger

	userID      ref.UserID
	deviceID    ref.DeviceID
	identityKey ref.Curve25519Key
	signingKey  ref.Ed25519Key
	spoolLimit  int

	mu    sync.Mutex
	rooms map[ref.RoomID]*roomState

	waiterMu sync.Mutex
	waiters  map[ref.SessionID][]chan KeyOutcome

	requestMu   sync.Mutex
	requestSeq  int64
	outstanding map[ref.SessionID]outgoingRequest
}

// outgoingRequest tracks one pending key re-request: its wire ID and
// the claimed sender key, so a cancellation reaches the same devices
// the request did.
type outgoingRequest struct {
	requestID string
	senderKey ref.Curve25519Key
}

// NewOrchestrator validates the config and builds an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Transport == nil || cfg.Directory == nil {
		return nil, fmt.Errorf("keydist: store, engine, transport, and directory are all required")
	}
	if cfg.UserID.IsZero() || cfg.DeviceID.IsZero() || cfg.IdentityKey.IsZero() {
		return nil, fmt.Errorf("keydist: local identity (user, device, identity key) is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		store:       cfg.Store,
		engine:      cfg.Engine,
		transport:   cfg.Transport,
		directory:   cfg.Directory,
		clock:       clk,
		logger:      logger,
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		identityKey: cfg.IdentityKey,
		signingKey:  cfg.SigningKey,
		spoolLimit:  cfg.SpoolLimit,
		rooms:       make(map[ref.RoomID]*roomState),
		waiters:     make(map[ref.SessionID][]chan KeyOutcome),
		outstanding: make(map[ref.SessionID]outgoingRequest),
	}, nil
}

func (o *Orchestrator) stateFor(roomID ref.RoomID) *roomState {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, ok := o.rooms[roomID]
	if !ok {
		room = &roomState{notified: make(map[string]wire.WithheldCode)}
		o.rooms[roomID] = room
	}
	return room
}

// SetRoomEncryption applies the room's m.room.encryption state, which
// configures outbound session rotation. Takes effect at the next
// rotation check; it does not retire an active session.
func (o *Orchestrator) SetRoomEncryption(roomID ref.RoomID, content wire.EncryptionEventContent) {
	room := o.stateFor(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()
	room.encryption = content
}

// SetRoomHistoryShared records whether the room's history visibility
// permits sharing sessions with new members (MSC3061). Applies to
// sessions created after the call.
func (o *Orchestrator) SetRoomHistoryShared(roomID ref.RoomID, shared bool) {
	room := o.stateFor(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()
	room.sharedHistory = shared
}

// InvalidateOutboundSession retires the room's outbound session, as
// required when a member leaves or visibility is otherwise revoked.
// The session's ledger rows are removed; the next encrypt call creates
// a fresh session.
func (o *Orchestrator) InvalidateOutboundSession(ctx context.Context, roomID ref.RoomID) error {
	room := o.stateFor(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.phase == phaseNone {
		return nil
	}
	room.phase = phaseExpired
	if room.session != nil {
		if err := o.store.ForgetOutboundSession(ctx, roomID, room.session.ID()); err != nil {
			return err
		}
		o.logger.Info("outbound session invalidated",
			"room_id", roomID,
			"session_id", room.session.ID(),
		)
	}
	return nil
}

// EncryptEvent encrypts a room event: it ensures a usable outbound
// session (creating or rotating as needed), shares the session key
// with every eligible device of the given members, and returns the
// megolm-encrypted event content.
//
// Devices that cannot be reached by the transport are skipped without
// advancing the ledger, so the next call retries them idempotently.
func (o *Orchestrator) EncryptEvent(ctx context.Context, roomID ref.RoomID, members []ref.UserID, eventType string, content json.RawMessage) (*wire.EncryptedEventContent, error) {
	room := o.stateFor(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	if err := o.ensureOutboundSession(ctx, roomID, room); err != nil {
		return nil, err
	}
	if err := o.shareSession(ctx, roomID, room, members); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(megolmPlaintext{
		RoomID:  roomID,
		Type:    eventType,
		Content: content,
	})
	if err != nil {
		return nil, wrapError(CodeUnableToEncrypt, "encoding event payload", err)
	}
	ciphertext, err := room.session.Encrypt(plaintext)
	if err != nil {
		return nil, wrapError(CodeUnableToEncrypt, "megolm encryption failed", err)
	}
	room.messages++

	return &wire.EncryptedEventContent{
		Algorithm:  wire.AlgorithmMegolm,
		Ciphertext: ciphertext,
		DeviceID:   o.deviceID,
		SenderKey:  o.identityKey,
		SessionID:  room.session.ID(),
	}, nil
}

// megolmPlaintext is the cleartext payload a megolm ciphertext wraps.
type megolmPlaintext struct {
	RoomID  ref.RoomID      `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// ensureOutboundSession drives the session lifecycle: an active
// session past its rotation thresholds moves to rotating; rotating and
// expired sessions are retired (dropping their ledger rows); a room
// without a session gets a fresh one, which is also imported as our
// own inbound session so we can answer re-requests and decrypt our
// own history. Caller holds room.mu.
func (o *Orchestrator) ensureOutboundSession(ctx context.Context, roomID ref.RoomID, room *roomState) error {
	if room.phase == phaseActive {
		budget := room.encryption.RotationMessages()
		period := room.encryption.RotationPeriod()
		if room.messages >= budget || o.clock.Now().Sub(room.createdAt) >= period {
			room.phase = phaseRotating
		}
	}

	if room.phase == phaseRotating || room.phase == phaseExpired {
		if room.session != nil {
			if err := o.store.ForgetOutboundSession(ctx, roomID, room.session.ID()); err != nil {
				return err
			}
			o.logger.Info("outbound session retired",
				"room_id", roomID,
				"session_id", room.session.ID(),
				"messages", room.messages,
			)
		}
		room.session = nil
		room.phase = phaseNone
	}

	if room.phase != phaseNone {
		return nil
	}

	session, err := o.engine.NewOutboundSession(ctx)
	if err != nil {
		return wrapError(CodeUnableToEncrypt, "creating outbound session", err)
	}

	// Keep our own inbound copy, seeded from the very start of the
	// ratchet: it backs re-request answering and own-history decryption.
	sessionKey, err := session.SessionKey()
	if err != nil {
		return wrapError(CodeUnableToEncrypt, "exporting new session key", err)
	}
	pickle, firstIndex, err := o.engine.ImportInboundSession(ctx, sessionKey)
	if err != nil {
		return wrapError(CodeUnableToEncrypt, "importing own session", err)
	}
	_, err = o.store.PutInboundSession(ctx, cryptostore.InboundSession{
		SessionID:       session.ID(),
		SenderKey:       o.identityKey,
		RoomID:          roomID,
		FirstKnownIndex: firstIndex,
		SharedHistory:   room.sharedHistory,
		Trusted:         true,
		Pickle:          pickle,
	})
	if err != nil {
		return err
	}

	room.session = session
	room.createdAt = o.clock.Now()
	room.messages = 0
	room.phase = phaseActive
	room.notified = make(map[string]wire.WithheldCode)

	o.logger.Info("outbound session created",
		"room_id", roomID,
		"session_id", session.ID(),
		"shared_history", room.sharedHistory,
	)
	return nil
}

// shareSession fans the current session key out to every eligible
// device of the given members, queuing room keys and withheld notices
// into a spool and draining it through the transport. The ledger is
// advanced only after the transport confirms a room-key delivery.
// Caller holds room.mu.
func (o *Orchestrator) shareSession(ctx context.Context, roomID ref.RoomID, room *roomState, members []ref.UserID) error {
	index := room.session.MessageIndex()
	sessionID := room.session.ID()

	blacklistUnverified, err := o.store.BlacklistUnverifiedForRoom(ctx, roomID)
	if err != nil {
		return err
	}

	var sessionKey string
	exported := false

	batch := newSpool(o.spoolLimit)
	seen := make(map[ref.UserID]bool)
	for _, userID := range members {
		if seen[userID] {
			continue
		}
		seen[userID] = true

		devices, err := o.directory.ListDevices(ctx, userID)
		if err != nil {
			return fmt.Errorf("keydist: listing devices of %s: %w", userID, err)
		}
		for _, device := range devices {
			if device.UserID == o.userID && device.DeviceID == o.deviceID {
				continue
			}

			switch {
			case device.Trust == cryptostore.TrustBlocked:
				if err := o.queueWithheld(ctx, batch, room, roomID, sessionID, device, wire.WithheldBlacklisted); err != nil {
					return err
				}
				continue
			case device.Trust == cryptostore.TrustUnverified && blacklistUnverified:
				if err := o.queueWithheld(ctx, batch, room, roomID, sessionID, device, wire.WithheldUnverified); err != nil {
					return err
				}
				continue
			}

			ledgerKey := cryptostore.LedgerKey{
				RoomID:      roomID,
				SessionID:   sessionID,
				Algorithm:   wire.AlgorithmMegolm,
				UserID:      device.UserID,
				DeviceID:    device.DeviceID,
				IdentityKey: device.IdentityKey,
			}
			recorded, found, err := o.store.RecordedIndex(ctx, ledgerKey)
			if err != nil {
				return err
			}
			if found && recorded >= index {
				continue
			}

			if err := o.engine.EnsureOlmSession(ctx, device); err != nil {
				if errors.Is(err, ErrNoOlmSession) {
					if err := o.queueWithheld(ctx, batch, room, roomID, sessionID, device, wire.WithheldNoOlm); err != nil {
						return err
					}
					continue
				}
				o.logger.Warn("olm session setup failed, will retry",
					"user_id", device.UserID,
					"device_id", device.DeviceID,
					"error", err,
				)
				continue
			}

			if !exported {
				sessionKey, err = room.session.SessionKey()
				if err != nil {
					return wrapError(CodeUnableToEncrypt, "exporting session key", err)
				}
				exported = true
			}

			envelope, err := o.encryptToDevicePayload(ctx, device, wire.EventTypeRoomKey, wire.RoomKeyContent{
				Algorithm:     wire.AlgorithmMegolm,
				RoomID:        roomID,
				SessionID:     sessionID,
				SessionKey:    sessionKey,
				ChainIndex:    wire.ChainIndex(index),
				SharedHistory: room.sharedHistory,
			})
			if err != nil {
				return err
			}
			if err := batch.add(spoolRecord{
				UserID:     device.UserID,
				DeviceID:   device.DeviceID,
				EventType:  wire.EventTypeEncrypted,
				Content:    envelope,
				Ledger:     &ledgerKey,
				ChainIndex: index,
			}); err != nil {
				return err
			}
		}
	}

	if batch.len() == 0 {
		return nil
	}
	return batch.drain(func(record spoolRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := o.transport.SendToDevice(ctx, record.UserID, record.DeviceID, record.EventType, record.Content)
		if err != nil {
			// Delivery failed: leave the ledger alone so the next
			// share retries this device.
			o.logger.Warn("to-device send failed",
				"user_id", record.UserID,
				"device_id", record.DeviceID,
				"event_type", record.EventType,
				"error", err,
			)
			return nil
		}
		if record.Ledger != nil {
			if _, err := o.store.RecordOrAdvance(ctx, *record.Ledger, record.ChainIndex); err != nil {
				return err
			}
		}
		return nil
	})
}

// queueWithheld queues one withheld notice for a device, at most once
// per (session, device, code), and records the decision in the
// withheld registry. Caller holds room.mu.
func (o *Orchestrator) queueWithheld(ctx context.Context, batch *spool, room *roomState, roomID ref.RoomID, sessionID ref.SessionID, device cryptostore.Device, code wire.WithheldCode) error {
	noticeKey := device.UserID.String() + "|" + device.DeviceID.String()
	if room.notified[noticeKey] == code {
		return nil
	}
	room.notified[noticeKey] = code

	if err := o.store.RecordWithheldDecision(ctx, roomID, sessionID, code, code.HumanReason()); err != nil {
		return err
	}

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

	o.logger.Info("withholding session key",
		"room_id", roomID,
		"session_id", sessionID,
		"user_id", device.UserID,
		"device_id", device.DeviceID,
		"code", code,
	)
	return batch.add(spoolRecord{
		UserID:    device.UserID,
		DeviceID:  device.DeviceID,
		EventType: wire.EventTypeRoomKeyWithheld,
		Content:   content,
	})
}

// encryptToDevicePayload builds the bound olm payload for an inner
// event, olm-encrypts it for the device, and returns the encoded
// m.room.encrypted envelope content.
func (o *Orchestrator) encryptToDevicePayload(ctx context.Context, device cryptostore.Device, innerType string, innerContent any) (json.RawMessage, error) {
	encodedContent, err := json.Marshal(innerContent)
	if err != nil {
		return nil, fmt.Errorf("keydist: encode %s content: %w", innerType, err)
	}
	payload, err := json.Marshal(wire.OlmPayload{
		Type:      innerType,
		Content:   encodedContent,
		Sender:    o.userID,
		Recipient: device.UserID,
		RecipientKeys: map[string]string{
			"ed25519": device.SigningKey.String(),
		},
		Keys: map[string]string{
			"ed25519": o.signingKey.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keydist: encode olm payload: %w", err)
	}

	message, err := o.engine.EncryptToDevice(ctx, device, payload)
	if err != nil {
		return nil, wrapError(CodeUnableToEncrypt, "olm encryption failed", err)
	}

	envelope, err := json.Marshal(wire.OlmEnvelope{
		Algorithm: wire.AlgorithmOlm,
		Ciphertext: map[string]wire.OlmCiphertext{
			device.IdentityKey.String(): message,
		},
		SenderKey: o.identityKey,
	})
	if err != nil {
		return nil, fmt.Errorf("keydist: encode olm envelope: %w", err)
	}
	return envelope, nil
}

// AwaitKey blocks until the session key arrives, the sender withholds
// it, or the context is done. Callers typically pair this with the
// automatic re-request fired by a recoverable decrypt failure.
func (o *Orchestrator) AwaitKey(ctx context.Context, sessionID ref.SessionID) (KeyOutcome, error) {
	ch := make(chan KeyOutcome, 1)
	o.waiterMu.Lock()
	o.waiters[sessionID] = append(o.waiters[sessionID], ch)
	o.waiterMu.Unlock()

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		o.removeWaiter(sessionID, ch)
		return KeyOutcome{}, ctx.Err()
	}
}

func (o *Orchestrator) removeWaiter(sessionID ref.SessionID, ch chan KeyOutcome) {
	o.waiterMu.Lock()
	defer o.waiterMu.Unlock()
	waiters := o.waiters[sessionID]
	for i, waiter := range waiters {
		if waiter == ch {
			o.waiters[sessionID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(o.waiters[sessionID]) == 0 {
		delete(o.waiters, sessionID)
	}
}

// resolveWaiters delivers an outcome to everyone waiting on a session.
func (o *Orchestrator) resolveWaiters(sessionID ref.SessionID, outcome KeyOutcome) {
	o.waiterMu.Lock()
	waiters := o.waiters[sessionID]
	delete(o.waiters, sessionID)
	o.waiterMu.Unlock()

	for _, ch := range waiters {
		ch <- outcome
	}
}
