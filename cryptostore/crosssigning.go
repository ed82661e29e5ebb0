// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lattice-im/lattice/crosssigning"
	"github.com/lattice-im/lattice/lib/codec"
	"github.com/lattice-im/lattice/lib/ref"
)

// PutCrossSigningInfo replaces the stored cross-signing key set for a
// user. Wholesale replacement: a key-change notification from sync
// supplies the complete new set, there is no partial update.
func (s *Store) PutCrossSigningInfo(ctx context.Context, info *crosssigning.Info) error {
	encoded, err := codec.Marshal(info)
	if err != nil {
		return fmt.Errorf("cryptostore: encode cross-signing info: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO cross_signing (user_id, info) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET info = excluded.info`,
		&sqlitex.ExecOptions{Args: []any{info.UserID.String(), encoded}})
	if err != nil {
		return fmt.Errorf("cryptostore: put cross-signing info: %w", err)
	}
	return nil
}

// GetCrossSigningInfo returns the stored cross-signing key set for a
// user, or nil if none is known.
func (s *Store) GetCrossSigningInfo(ctx context.Context, userID ref.UserID) (*crosssigning.Info, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var encoded []byte
	err = sqlitex.Execute(conn, `
		SELECT info FROM cross_signing WHERE user_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				encoded = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, encoded)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: get cross-signing info: %w", err)
	}
	if encoded == nil {
		return nil, nil
	}

	var info crosssigning.Info
	if err := codec.Unmarshal(encoded, &info); err != nil {
		return nil, fmt.Errorf("cryptostore: decode cross-signing info for %s: %w", userID, err)
	}
	return &info, nil
}
