// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package crosssigning

import (
	"fmt"

	"github.com/lattice-im/lattice/lib/ref"
)

// Verifier derives cross-signing trust relative to the local user's
// own keys. The local Info is the trust anchor: the caller is
// responsible for only constructing a Verifier from cross-signing keys
// the local user has confirmed out of band (the "locally trusted
// master key" step of verification).
type Verifier struct {
	localUserID ref.UserID
	local       *Info
}

// NewVerifier creates a Verifier anchored at the local user's
// cross-signing keys.
func NewVerifier(localUserID ref.UserID, local *Info) (*Verifier, error) {
	if local == nil || local.Master == nil {
		return nil, fmt.Errorf("crosssigning: local cross-signing info has no master key")
	}
	return &Verifier{localUserID: localUserID, local: local}, nil
}

// UserTrusted reports whether the target user's identity is trusted:
// for the local user, the master key must match the anchor; for other
// users, the local user-signing key must have signed the target's
// master key. In both cases the target's self-signing key must be
// signed by the target's master key, since device trust hangs off it.
func (v *Verifier) UserTrusted(target *Info) error {
	if target == nil || target.Master == nil {
		return fmt.Errorf("crosssigning: %s has no master key", userLabel(target))
	}

	if target.UserID == v.localUserID {
		if target.Master.PublicKey != v.local.Master.PublicKey {
			return fmt.Errorf("crosssigning: own master key changed (was %s, now %s)",
				v.local.Master.PublicKey, target.Master.PublicKey)
		}
	} else {
		if v.local.UserSigning == nil {
			return fmt.Errorf("crosssigning: no local user-signing key to vouch for %s", target.UserID)
		}
		if err := target.Master.VerifySignature(v.localUserID, v.local.UserSigning.PublicKey); err != nil {
			return fmt.Errorf("crosssigning: master key of %s not vouched for: %w", target.UserID, err)
		}
	}

	if target.SelfSigning == nil {
		return fmt.Errorf("crosssigning: %s has no self-signing key", target.UserID)
	}
	if err := target.SelfSigning.VerifySignature(target.UserID, target.Master.PublicKey); err != nil {
		return fmt.Errorf("crosssigning: self-signing key of %s not signed by master: %w", target.UserID, err)
	}
	return nil
}

// DeviceTrusted reports whether a device is cross-signed: the target
// user must be trusted (per UserTrusted) and the device's key object
// must be signed by the target's self-signing key.
func (v *Verifier) DeviceTrusted(target *Info, device *DeviceKeys) error {
	if err := v.UserTrusted(target); err != nil {
		return err
	}
	if device.UserID != target.UserID {
		return fmt.Errorf("crosssigning: device %s belongs to %s, not %s",
			device.DeviceID, device.UserID, target.UserID)
	}
	if err := device.VerifySignature(target.UserID, target.SelfSigning.PublicKey); err != nil {
		return fmt.Errorf("crosssigning: device %s not signed by self-signing key: %w", device.DeviceID, err)
	}
	return nil
}

func userLabel(info *Info) string {
	if info == nil {
		return "(nil info)"
	}
	return info.UserID.String()
}
