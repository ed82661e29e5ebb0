// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// SessionID is a megolm group session identifier: the unpadded base64
// encoding of the session's ed25519 public key. The content is opaque
// to this subsystem — the type only guards against mixing session IDs
// with device IDs and sender keys in store keys and ledger rows.
type SessionID struct {
	id string
}

// ParseSessionID constructs a SessionID from a raw string. Returns an
// error if the string is empty.
func ParseSessionID(raw string) (SessionID, error) {
	if raw == "" {
		return SessionID{}, fmt.Errorf("session ID is empty")
	}
	return SessionID{id: raw}, nil
}

// String returns the raw session ID string.
func (s SessionID) String() string { return s.id }

// IsZero reports whether the SessionID is the zero value (empty).
func (s SessionID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value (session_id is optional on withheld events
// with code m.no_olm).
func (s *SessionID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = SessionID{}
		return nil
	}
	*s = SessionID{id: string(data)}
	return nil
}
