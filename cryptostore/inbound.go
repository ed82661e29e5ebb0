// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lattice-im/lattice/lib/ref"
)

// InboundSession is a stored inbound megolm session: the room binding,
// the earliest chain index the local device can decrypt from, and the
// engine's opaque pickle.
type InboundSession struct {
	SessionID ref.SessionID
	SenderKey ref.Curve25519Key
	RoomID    ref.RoomID

	// FirstKnownIndex is the earliest ratchet position held. A key
	// received at index 0 can decrypt the whole session; one received
	// at index 40 only messages from there on.
	FirstKnownIndex int64

	// SharedHistory carries the MSC3061 flag from the room key.
	SharedHistory bool

	// Trusted is false for sessions imported from forwarded room keys
	// whose forwarding chain has not been verified.
	Trusted bool

	// Pickle is the engine's serialized session state (opaque here).
	Pickle []byte
}

// PutInboundSession stores an inbound session. If a session with the
// same (session_id, sender_key) already exists, the row is replaced
// only when the new copy knows an earlier chain index — receiving the
// same key again at a later index must not discard decryptable
// history. Returns true when the row was written.
func (s *Store) PutInboundSession(ctx context.Context, session InboundSession) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	existing, found, err := inboundFirstIndexOn(conn, session.SessionID, session.SenderKey)
	if err != nil {
		return false, err
	}
	if found && session.FirstKnownIndex >= existing {
		return false, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO inbound_sessions (session_id, sender_key, room_id, first_index, shared_history, trusted, pickle)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			first_index = excluded.first_index,
			shared_history = excluded.shared_history,
			trusted = excluded.trusted,
			pickle = excluded.pickle`,
		&sqlitex.ExecOptions{
			Args: []any{
				session.SessionID.String(),
				session.SenderKey.String(),
				session.RoomID.String(),
				session.FirstKnownIndex,
				boolToInt(session.SharedHistory),
				boolToInt(session.Trusted),
				session.Pickle,
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: put inbound session: %w", err)
	}
	return true, nil
}

// GetInboundSession returns the stored inbound session, or nil if the
// session is unknown.
func (s *Store) GetInboundSession(ctx context.Context, sessionID ref.SessionID, senderKey ref.Curve25519Key) (*InboundSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var session *InboundSession
	err = sqlitex.Execute(conn, `
		SELECT session_id, sender_key, room_id, first_index, shared_history, trusted, pickle
		FROM inbound_sessions WHERE session_id = ? AND sender_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID.String(), senderKey.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanInboundSession(stmt)
				if err != nil {
					return err
				}
				session = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: get inbound session: %w", err)
	}
	return session, nil
}

// InboundSessionsForRoom returns every stored inbound session bound to
// the room, as needed for key export.
func (s *Store) InboundSessionsForRoom(ctx context.Context, roomID ref.RoomID) ([]InboundSession, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []InboundSession
	err = sqlitex.Execute(conn, `
		SELECT session_id, sender_key, room_id, first_index, shared_history, trusted, pickle
		FROM inbound_sessions WHERE room_id = ? ORDER BY session_id`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanInboundSession(stmt)
				if err != nil {
					return err
				}
				sessions = append(sessions, scanned)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: inbound sessions for room: %w", err)
	}
	return sessions, nil
}

// RecordMessageIndex records that a megolm message decrypted at the
// given chain index and event ID. Returns false when the index was
// already recorded against a different event — the replay signal that
// becomes DuplicatedMessageIndex. Re-decrypting the same event is not
// a replay and returns true.
func (s *Store) RecordMessageIndex(ctx context.Context, sessionID ref.SessionID, senderKey ref.Curve25519Key, chainIndex int64, eventID string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var existingEventID string
	found := false
	err = sqlitex.Execute(conn, `
		SELECT event_id FROM message_indices
		WHERE session_id = ? AND sender_key = ? AND chain_index = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID.String(), senderKey.String(), chainIndex},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existingEventID = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: message index lookup: %w", err)
	}
	if found {
		return existingEventID == eventID, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO message_indices (session_id, sender_key, chain_index, event_id)
		VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID.String(), senderKey.String(), chainIndex, eventID},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: record message index: %w", err)
	}
	return true, nil
}

func inboundFirstIndexOn(conn *sqlite.Conn, sessionID ref.SessionID, senderKey ref.Curve25519Key) (int64, bool, error) {
	var index int64
	found := false
	err := sqlitex.Execute(conn, `
		SELECT first_index FROM inbound_sessions WHERE session_id = ? AND sender_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID.String(), senderKey.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("cryptostore: inbound first index: %w", err)
	}
	return index, found, nil
}

func scanInboundSession(stmt *sqlite.Stmt) (InboundSession, error) {
	sessionID, err := ref.ParseSessionID(stmt.ColumnText(0))
	if err != nil {
		return InboundSession{}, fmt.Errorf("stored session ID: %w", err)
	}
	senderKey, err := ref.ParseCurve25519Key(stmt.ColumnText(1))
	if err != nil {
		return InboundSession{}, fmt.Errorf("stored sender key: %w", err)
	}
	roomID, err := ref.ParseRoomID(stmt.ColumnText(2))
	if err != nil {
		return InboundSession{}, fmt.Errorf("stored room ID: %w", err)
	}

	pickle := make([]byte, stmt.ColumnLen(6))
	stmt.ColumnBytes(6, pickle)

	return InboundSession{
		SessionID:       sessionID,
		SenderKey:       senderKey,
		RoomID:          roomID,
		FirstKnownIndex: stmt.ColumnInt64(3),
		SharedHistory:   stmt.ColumnInt64(4) != 0,
		Trusted:         stmt.ColumnInt64(5) != 0,
		Pickle:          pickle,
	}, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
