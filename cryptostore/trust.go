// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lattice-im/lattice/lib/ref"
)

// ErrDeviceNotFound is returned by SetVerification for a device the
// store has never seen. Trust can only be assigned to known devices.
var ErrDeviceNotFound = errors.New("cryptostore: device not found")

// TrustLevel is the verification status of a device.
type TrustLevel int

const (
	// TrustUnverified is the initial state of every discovered device.
	TrustUnverified TrustLevel = iota

	// TrustVerified marks a device verified, either manually or via
	// a valid cross-signing chain.
	TrustVerified

	// TrustBlocked marks a device the user refuses to share keys
	// with. Blocked devices always receive withheld notices.
	TrustBlocked
)

// String returns the trust level name.
func (t TrustLevel) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("trust(%d)", int(t))
	}
}

// Device is the stored metadata for a (user, device) pair.
type Device struct {
	UserID      ref.UserID
	DeviceID    ref.DeviceID
	IdentityKey ref.Curve25519Key
	SigningKey  ref.Ed25519Key
	DisplayName string
	Trust       TrustLevel
}

// PutDevice inserts or updates a device discovered via the device-list
// API. Key material and display name are refreshed; the trust column
// is preserved on update — discovery never changes trust.
func (s *Store) PutDevice(ctx context.Context, device Device) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO devices (user_id, device_id, identity_key, signing_key, display_name, trust)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			signing_key = excluded.signing_key,
			display_name = excluded.display_name`,
		&sqlitex.ExecOptions{
			Args: []any{
				device.UserID.String(),
				device.DeviceID.String(),
				device.IdentityKey.String(),
				device.SigningKey.String(),
				device.DisplayName,
				int(device.Trust),
			},
		})
	if err != nil {
		return fmt.Errorf("cryptostore: put device: %w", err)
	}
	return nil
}

// GetDevice returns the stored device, or nil if unknown. No side
// effects.
func (s *Store) GetDevice(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID) (*Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var device *Device
	err = sqlitex.Execute(conn, `
		SELECT user_id, device_id, identity_key, signing_key, display_name, trust
		FROM devices WHERE user_id = ? AND device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String(), deviceID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanDevice(stmt)
				if err != nil {
					return err
				}
				device = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: get device: %w", err)
	}
	return device, nil
}

// DevicesForUser returns all stored devices of a user.
func (s *Store) DevicesForUser(ctx context.Context, userID ref.UserID) ([]Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var devices []Device
	err = sqlitex.Execute(conn, `
		SELECT user_id, device_id, identity_key, signing_key, display_name, trust
		FROM devices WHERE user_id = ? ORDER BY device_id`,
		&sqlitex.ExecOptions{
			Args: []any{userID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				device, err := scanDevice(stmt)
				if err != nil {
					return err
				}
				devices = append(devices, device)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: devices for user: %w", err)
	}
	return devices, nil
}

// DeviceByIdentityKey looks a device up by its curve25519 identity
// key, as needed when answering key requests addressed by sender key.
func (s *Store) DeviceByIdentityKey(ctx context.Context, identityKey ref.Curve25519Key) (*Device, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var device *Device
	err = sqlitex.Execute(conn, `
		SELECT user_id, device_id, identity_key, signing_key, display_name, trust
		FROM devices WHERE identity_key = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{identityKey.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned, err := scanDevice(stmt)
				if err != nil {
					return err
				}
				device = &scanned
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: device by identity key: %w", err)
	}
	return device, nil
}

// SetVerification sets a device's trust level. Idempotent. Returns
// ErrDeviceNotFound if the device is unknown.
func (s *Store) SetVerification(ctx context.Context, userID ref.UserID, deviceID ref.DeviceID, trust TrustLevel) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE devices SET trust = ? WHERE user_id = ? AND device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{int(trust), userID.String(), deviceID.String()},
		})
	if err != nil {
		return fmt.Errorf("cryptostore: set verification: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDeviceNotFound, userID, deviceID)
	}

	s.logger.Info("device trust changed",
		"user_id", userID,
		"device_id", deviceID,
		"trust", trust.String(),
	)
	return nil
}

func scanDevice(stmt *sqlite.Stmt) (Device, error) {
	userID, err := ref.ParseUserID(stmt.ColumnText(0))
	if err != nil {
		return Device{}, fmt.Errorf("stored user ID: %w", err)
	}
	deviceID, err := ref.ParseDeviceID(stmt.ColumnText(1))
	if err != nil {
		return Device{}, fmt.Errorf("stored device ID: %w", err)
	}
	identityKey, err := ref.ParseCurve25519Key(stmt.ColumnText(2))
	if err != nil {
		return Device{}, fmt.Errorf("stored identity key: %w", err)
	}
	signingKey, err := ref.ParseEd25519Key(stmt.ColumnText(3))
	if err != nil {
		return Device{}, fmt.Errorf("stored signing key: %w", err)
	}
	return Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		DisplayName: stmt.ColumnText(4),
		Trust:       TrustLevel(stmt.ColumnInt64(5)),
	}, nil
}
