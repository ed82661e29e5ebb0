// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/base64"
	"fmt"
)

// Curve25519Key is a device's curve25519 identity key in unpadded
// base64 form, as it appears in sender_key fields and olm envelope
// ciphertext maps. Validated to be well-formed base64 of the right
// length at construction so downstream code can treat it as canonical.
type Curve25519Key struct {
	key string
}

// ParseCurve25519Key validates and wraps a raw unpadded-base64
// curve25519 public key (32 bytes → 43 base64 characters).
func ParseCurve25519Key(raw string) (Curve25519Key, error) {
	if err := validatePublicKey(raw, "curve25519 key"); err != nil {
		return Curve25519Key{}, err
	}
	return Curve25519Key{key: raw}, nil
}

// String returns the unpadded base64 key string.
func (k Curve25519Key) String() string { return k.key }

// IsZero reports whether the key is the zero value (empty).
func (k Curve25519Key) IsZero() bool { return k.key == "" }

// MarshalText implements encoding.TextMarshaler.
func (k Curve25519Key) MarshalText() ([]byte, error) {
	return []byte(k.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (k *Curve25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Curve25519Key{}
		return nil
	}
	parsed, err := ParseCurve25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Ed25519Key is a device's ed25519 signing key (or a cross-signing
// public key) in unpadded base64 form.
type Ed25519Key struct {
	key string
}

// ParseEd25519Key validates and wraps a raw unpadded-base64 ed25519
// public key.
func ParseEd25519Key(raw string) (Ed25519Key, error) {
	if err := validatePublicKey(raw, "ed25519 key"); err != nil {
		return Ed25519Key{}, err
	}
	return Ed25519Key{key: raw}, nil
}

// String returns the unpadded base64 key string.
func (k Ed25519Key) String() string { return k.key }

// IsZero reports whether the key is the zero value (empty).
func (k Ed25519Key) IsZero() bool { return k.key == "" }

// Bytes decodes the key to its raw 32-byte form. Panics if called on
// a zero value (the key was validated at construction, so decoding
// cannot otherwise fail).
func (k Ed25519Key) Bytes() []byte {
	if k.key == "" {
		panic("Ed25519Key.Bytes called on zero value")
	}
	raw, err := base64.RawStdEncoding.DecodeString(k.key)
	if err != nil {
		panic(fmt.Sprintf("Ed25519Key.Bytes: internal error decoding %q: %v", k.key, err))
	}
	return raw
}

// MarshalText implements encoding.TextMarshaler.
func (k Ed25519Key) MarshalText() ([]byte, error) {
	return []byte(k.key), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (k *Ed25519Key) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*k = Ed25519Key{}
		return nil
	}
	parsed, err := ParseEd25519Key(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// validatePublicKey checks that raw is unpadded base64 decoding to a
// 32-byte public key.
func validatePublicKey(raw, kind string) error {
	if raw == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not unpadded base64: %w", kind, raw, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("%s decodes to %d bytes, expected 32", kind, len(decoded))
	}
	return nil
}
