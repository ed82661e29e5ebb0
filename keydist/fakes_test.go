// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// fakeOutboundSession is a deterministic stand-in for a megolm
// ratchet. Session keys encode the session ID and ratchet position so
// the fake engine can round-trip them; ciphertexts carry their payload
// in base64.
type fakeOutboundSession struct {
	id    ref.SessionID
	index int64
}

func (s *fakeOutboundSession) ID() ref.SessionID { return s.id }

func (s *fakeOutboundSession) SessionKey() (string, error) {
	return fmt.Sprintf("key/%s/%d", s.id, s.index), nil
}

func (s *fakeOutboundSession) MessageIndex() int64 { return s.index }

func (s *fakeOutboundSession) Encrypt(plaintext []byte) (string, error) {
	ciphertext := fmt.Sprintf("megolm/%s/%d/%s",
		s.id, s.index, base64.RawURLEncoding.EncodeToString(plaintext))
	s.index++
	return ciphertext, nil
}

// fakeEngine implements Engine with transparent encodings. noOlm lists
// device IDs no olm session can be established with.
type fakeEngine struct {
	mu       sync.Mutex
	sessions int
	noOlm    map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{noOlm: make(map[string]bool)}
}

func (e *fakeEngine) NewOutboundSession(ctx context.Context) (OutboundSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions++
	id, err := ref.ParseSessionID(fmt.Sprintf("FAKESESSION%d", e.sessions))
	if err != nil {
		return nil, err
	}
	return &fakeOutboundSession{id: id}, nil
}

func (e *fakeEngine) ImportInboundSession(ctx context.Context, sessionKey string) ([]byte, int64, error) {
	parts := strings.Split(sessionKey, "/")
	if len(parts) != 3 || parts[0] != "key" {
		return nil, 0, fmt.Errorf("fake engine: bad session key %q", sessionKey)
	}
	index, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("fake engine: bad session key index: %w", err)
	}
	return []byte(sessionKey), index, nil
}

func (e *fakeEngine) ExportInboundSessionAt(ctx context.Context, pickle []byte, index int64) (string, error) {
	parts := strings.Split(string(pickle), "/")
	if len(parts) != 3 || parts[0] != "key" {
		return "", fmt.Errorf("fake engine: bad pickle %q", pickle)
	}
	return fmt.Sprintf("key/%s/%d", parts[1], index), nil
}

func (e *fakeEngine) DecryptMegolm(ctx context.Context, pickle []byte, ciphertext string) ([]byte, int64, error) {
	pickleParts := strings.Split(string(pickle), "/")
	messageParts := strings.Split(ciphertext, "/")
	if len(pickleParts) != 3 || len(messageParts) != 4 || messageParts[0] != "megolm" {
		return nil, 0, fmt.Errorf("fake engine: bad megolm input")
	}
	firstKnown, err := strconv.ParseInt(pickleParts[2], 10, 64)
	if err != nil {
		return nil, 0, err
	}
	index, err := strconv.ParseInt(messageParts[2], 10, 64)
	if err != nil {
		return nil, 0, err
	}
	if messageParts[1] != pickleParts[1] {
		return nil, 0, fmt.Errorf("fake engine: ciphertext from session %s, pickle for %s",
			messageParts[1], pickleParts[1])
	}
	if index < firstKnown {
		return nil, 0, ErrUnknownMessageIndex
	}
	plaintext, err := base64.RawURLEncoding.DecodeString(messageParts[3])
	if err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

func (e *fakeEngine) EnsureOlmSession(ctx context.Context, device cryptostore.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.noOlm[device.DeviceID.String()] {
		return ErrNoOlmSession
	}
	return nil
}

func (e *fakeEngine) EncryptToDevice(ctx context.Context, device cryptostore.Device, payload []byte) (wire.OlmCiphertext, error) {
	return wire.OlmCiphertext{
		Type: 0,
		Body: base64.RawStdEncoding.EncodeToString(payload),
	}, nil
}

func (e *fakeEngine) DecryptFromDevice(ctx context.Context, senderKey ref.Curve25519Key, message wire.OlmCiphertext) ([]byte, error) {
	plaintext, err := base64.RawStdEncoding.DecodeString(message.Body)
	if err != nil {
		return nil, fmt.Errorf("fake engine: bad olm body: %w", err)
	}
	return plaintext, nil
}

// sentMessage is one to-device send the fake transport observed.
type sentMessage struct {
	UserID    ref.UserID
	DeviceID  ref.DeviceID
	EventType string
	Content   json.RawMessage
}

// fakeTransport records sends and can be told to fail for specific
// devices.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failFor: make(map[string]bool)}
}

func (t *fakeTransport) SendToDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, eventType string, content json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[deviceID.String()] {
		return fmt.Errorf("fake transport: delivery to %s failed", deviceID)
	}
	t.sent = append(t.sent, sentMessage{
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: eventType,
		Content:   content,
	})
	return nil
}

// ofType returns the recorded sends with the given event type.
func (t *fakeTransport) ofType(eventType string) []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var matches []sentMessage
	for _, message := range t.sent {
		if message.EventType == eventType {
			matches = append(matches, message)
		}
	}
	return matches
}

func (t *fakeTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}

// fakeDirectory serves device lists from the store, mirroring how the
// production directory is fed by device-list sync.
type fakeDirectory struct {
	store *cryptostore.Store
}

func (d *fakeDirectory) ListDevices(ctx context.Context, userID ref.UserID) ([]cryptostore.Device, error) {
	return d.store.DevicesForUser(ctx, userID)
}
