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

const settingBlacklistUnverified = "blacklist_unverified_devices"

// SetGlobalBlacklistUnverified sets the account-wide policy of
// withholding keys from unverified devices.
func (s *Store) SetGlobalBlacklistUnverified(ctx context.Context, blacklist bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	value := "false"
	if blacklist {
		value = "true"
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{settingBlacklistUnverified, value}})
	if err != nil {
		return fmt.Errorf("cryptostore: set global blacklist policy: %w", err)
	}
	return nil
}

// GlobalBlacklistUnverified reads the account-wide policy. Defaults to
// false when never set.
func (s *Store) GlobalBlacklistUnverified(ctx context.Context) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	blacklist := false
	err = sqlitex.Execute(conn, `SELECT value FROM settings WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{settingBlacklistUnverified},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blacklist = stmt.ColumnText(0) == "true"
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: global blacklist policy: %w", err)
	}
	return blacklist, nil
}

// SetRoomBlacklistUnverified explicitly sets the per-room policy,
// overriding the global one for that room.
func (s *Store) SetRoomBlacklistUnverified(ctx context.Context, roomID ref.RoomID, blacklist bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	value := 0
	if blacklist {
		value = 1
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO room_policy (room_id, blacklist_unverified) VALUES (?, ?)
		ON CONFLICT (room_id) DO UPDATE SET blacklist_unverified = excluded.blacklist_unverified`,
		&sqlitex.ExecOptions{Args: []any{roomID.String(), value}})
	if err != nil {
		return fmt.Errorf("cryptostore: set room blacklist policy: %w", err)
	}
	return nil
}

// ClearRoomBlacklistUnverified removes the per-room override, so the
// room falls back to the global policy.
func (s *Store) ClearRoomBlacklistUnverified(ctx context.Context, roomID ref.RoomID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM room_policy WHERE room_id = ?`,
		&sqlitex.ExecOptions{Args: []any{roomID.String()}})
	if err != nil {
		return fmt.Errorf("cryptostore: clear room blacklist policy: %w", err)
	}
	return nil
}

// BlacklistUnverifiedForRoom resolves the effective policy for a room:
// the per-room value when explicitly set, otherwise the global value.
func (s *Store) BlacklistUnverifiedForRoom(ctx context.Context, roomID ref.RoomID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	roomSet := false
	roomValue := false
	err = sqlitex.Execute(conn, `SELECT blacklist_unverified FROM room_policy WHERE room_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				roomSet = true
				roomValue = stmt.ColumnInt64(0) != 0
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: room blacklist policy: %w", err)
	}
	if roomSet {
		return roomValue, nil
	}

	// Fall back to the global policy. Reuse the connection rather
	// than going through GlobalBlacklistUnverified to avoid a second
	// pool round trip.
	blacklist := false
	err = sqlitex.Execute(conn, `SELECT value FROM settings WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{settingBlacklistUnverified},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blacklist = stmt.ColumnText(0) == "true"
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("cryptostore: global blacklist policy: %w", err)
	}
	return blacklist, nil
}
