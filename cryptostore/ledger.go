// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

// LedgerKey identifies one row of the shared-session ledger: which
// session was sent to which device, addressed by every component of
// the recipient's identity so a device that rotates its identity key
// gets a fresh row instead of inheriting the old one's index.
type LedgerKey struct {
	// RoomID may be zero for sessions shared outside room context.
	RoomID      ref.RoomID
	SessionID   ref.SessionID
	Algorithm   string
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key
}

func (k LedgerKey) String() string {
	return k.RoomID.String() + "|" + k.SessionID.String() + "|" + k.Algorithm + "|" +
		k.UserID.String() + "|" + k.DeviceID.String() + "|" + k.IdentityKey.String()
}

// RecordedIndex returns the highest chain index already sent for the
// key, and whether the session was ever shared with that device.
func (s *Store) RecordedIndex(ctx context.Context, key LedgerKey) (int64, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, false, err
	}
	defer s.pool.Put(conn)

	return recordedIndexOn(conn, key)
}

// RecordOrAdvance records that the session was sent to the device at
// newIndex. Returns false (and changes nothing) when the ledger
// already holds an index >= newIndex — the caller must then skip the
// send entirely. The check and the write are atomic per ledger key.
//
// Call this only after the transport confirmed delivery; a failed or
// cancelled send must leave the ledger untouched so the retry remains
// idempotent.
func (s *Store) RecordOrAdvance(ctx context.Context, key LedgerKey, newIndex int64) (bool, error) {
	lock := s.ledgerLock(key.String())
	lock.Lock()
	defer lock.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	current, found, err := recordedIndexOn(conn, key)
	if err != nil {
		return false, err
	}
	if found && newIndex <= current {
		return false, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO shared_sessions (room_id, session_id, algorithm, user_id, device_id, identity_key, chain_index)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, session_id, algorithm, user_id, device_id, identity_key)
		DO UPDATE SET chain_index = excluded.chain_index`,
		&sqlitex.ExecOptions{
			Args: []any{
				key.RoomID.String(),
				key.SessionID.String(),
				key.Algorithm,
				key.UserID.String(),
				key.DeviceID.String(),
				key.IdentityKey.String(),
				newIndex,
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: record shared session: %w", err)
	}
	return true, nil
}

// ForgetOutboundSession deletes every ledger row for the session.
// Called on session rotation and room-key invalidation — the only
// events that may remove ledger rows.
func (s *Store) ForgetOutboundSession(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM shared_sessions WHERE room_id = ? AND session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), sessionID.String()}})
	if err != nil {
		return fmt.Errorf("cryptostore: forget outbound session: %w", err)
	}
	return nil
}

func recordedIndexOn(conn *sqlite.Conn, key LedgerKey) (int64, bool, error) {
	var index int64
	found := false
	err := sqlitex.Execute(conn, `
		SELECT chain_index FROM shared_sessions
		WHERE room_id = ? AND session_id = ? AND algorithm = ?
		  AND user_id = ? AND device_id = ? AND identity_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{
				key.RoomID.String(),
				key.SessionID.String(),
				key.Algorithm,
				key.UserID.String(),
				key.DeviceID.String(),
				key.IdentityKey.String(),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				index = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("cryptostore: recorded index: %w", err)
	}
	return index, found, nil
}

// RecordWithheldDecision stores the last withholding decision for a
// (room, session). Last write wins; no history is kept.
func (s *Store) RecordWithheldDecision(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID, code wire.WithheldCode, reason string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO withheld_sessions (room_id, session_id, algorithm, code, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, session_id, algorithm)
		DO UPDATE SET code = excluded.code, reason = excluded.reason`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), sessionID.String(), wire.AlgorithmMegolm, code.String(), reason},
		})
	if err != nil {
		return fmt.Errorf("cryptostore: record withheld decision: %w", err)
	}
	return nil
}

// WithheldDecision returns the last recorded withholding decision for
// a (room, session), if any.
func (s *Store) WithheldDecision(ctx context.Context, roomID ref.RoomID, sessionID ref.SessionID) (wire.WithheldCode, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return wire.WithheldCode{}, false, err
	}
	defer s.pool.Put(conn)

	var code wire.WithheldCode
	found := false
	err = sqlitex.Execute(conn, `
		SELECT code FROM withheld_sessions
		WHERE room_id = ? AND session_id = ? AND algorithm = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), sessionID.String(), wire.AlgorithmMegolm},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				code = wire.ParseWithheldCode(stmt.ColumnText(0))
				found = true
				return nil
			},
		})
	if err != nil {
		return wire.WithheldCode{}, false, fmt.Errorf("cryptostore: withheld decision: %w", err)
	}
	return code, found, nil
}
