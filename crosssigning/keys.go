// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package crosssigning

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lattice-im/lattice/lib/ref"
)

// Key usage markers as they appear in the usage array of an uploaded
// cross-signing key.
const (
	UsageMaster      = "master"
	UsageSelfSigning = "self_signing"
	UsageUserSigning = "user_signing"
)

// Key is one published cross-signing key with the signatures attached
// to it. Signatures are keyed by signing user ID, then by key
// identifier ("ed25519:<unpadded-base64-public-key>" for cross-signing
// keys, "ed25519:<device-id>" for device keys).
type Key struct {
	UserID     ref.UserID                   `json:"user_id" cbor:"user_id"`
	Usage      []string                     `json:"usage" cbor:"usage"`
	PublicKey  ref.Ed25519Key               `json:"-" cbor:"public_key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty" cbor:"signatures,omitempty"`
}

// Identifier returns the Matrix key identifier for this key.
func (k *Key) Identifier() string {
	return "ed25519:" + k.PublicKey.String()
}

// signable is the canonical-JSON form of a cross-signing key: the
// signed fields in alphabetical order, signatures and unsigned
// stripped. encoding/json emits struct fields in declaration order and
// map keys sorted, which together produce Matrix canonical JSON for
// this shape.
type signable struct {
	Keys   map[string]string `json:"keys"`
	Usage  []string          `json:"usage"`
	UserID ref.UserID        `json:"user_id"`
}

// canonical returns the canonical JSON that signatures over this key
// are computed against.
func (k *Key) canonical() ([]byte, error) {
	return json.Marshal(signable{
		Keys:   map[string]string{k.Identifier(): k.PublicKey.String()},
		Usage:  k.Usage,
		UserID: k.UserID,
	})
}

// VerifySignature checks that signerKey signed this key on behalf of
// signerUser.
func (k *Key) VerifySignature(signerUser ref.UserID, signerKey ref.Ed25519Key) error {
	userSignatures, ok := k.Signatures[signerUser.String()]
	if !ok {
		return fmt.Errorf("no signatures from %s on key %s", signerUser, k.Identifier())
	}
	signature, ok := userSignatures["ed25519:"+signerKey.String()]
	if !ok {
		return fmt.Errorf("no signature by key ed25519:%s", signerKey)
	}
	return verifyCanonical(k, signerKey, signature)
}

// Info holds a user's complete cross-signing state. Replaced wholesale
// on update — there is no partial mutation of a user's keys.
type Info struct {
	UserID      ref.UserID `json:"user_id" cbor:"user_id"`
	Master      *Key       `json:"master_key,omitempty" cbor:"master_key,omitempty"`
	SelfSigning *Key       `json:"self_signing_key,omitempty" cbor:"self_signing_key,omitempty"`
	UserSigning *Key       `json:"user_signing_key,omitempty" cbor:"user_signing_key,omitempty"`
}

// DeviceKeys is the signed device-key object a device uploads,
// reduced to the fields that participate in cross-signing validation.
type DeviceKeys struct {
	UserID     ref.UserID                   `json:"user_id"`
	DeviceID   ref.DeviceID                 `json:"device_id"`
	Algorithms []string                     `json:"algorithms"`
	Curve25519 ref.Curve25519Key            `json:"-"`
	Ed25519    ref.Ed25519Key               `json:"-"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// deviceSignable mirrors the canonical JSON of an uploaded device-key
// object with signatures and unsigned stripped.
type deviceSignable struct {
	Algorithms []string          `json:"algorithms"`
	DeviceID   ref.DeviceID      `json:"device_id"`
	Keys       map[string]string `json:"keys"`
	UserID     ref.UserID        `json:"user_id"`
}

func (d *DeviceKeys) canonical() ([]byte, error) {
	return json.Marshal(deviceSignable{
		Algorithms: d.Algorithms,
		DeviceID:   d.DeviceID,
		Keys: map[string]string{
			"curve25519:" + d.DeviceID.String(): d.Curve25519.String(),
			"ed25519:" + d.DeviceID.String():    d.Ed25519.String(),
		},
		UserID: d.UserID,
	})
}

// VerifySignature checks that signerKey signed this device-key object
// on behalf of signerUser.
func (d *DeviceKeys) VerifySignature(signerUser ref.UserID, signerKey ref.Ed25519Key) error {
	userSignatures, ok := d.Signatures[signerUser.String()]
	if !ok {
		return fmt.Errorf("no signatures from %s on device %s", signerUser, d.DeviceID)
	}
	signature, ok := userSignatures["ed25519:"+signerKey.String()]
	if !ok {
		return fmt.Errorf("no signature by key ed25519:%s", signerKey)
	}
	return verifyCanonical(d, signerKey, signature)
}

type canonicalizer interface {
	canonical() ([]byte, error)
}

func verifyCanonical(object canonicalizer, signerKey ref.Ed25519Key, signature string) error {
	message, err := object.canonical()
	if err != nil {
		return fmt.Errorf("canonicalizing signed object: %w", err)
	}
	rawSignature, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("signature is not unpadded base64: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(signerKey.Bytes()), message, rawSignature) {
		return fmt.Errorf("signature by ed25519:%s does not verify", signerKey)
	}
	return nil
}
