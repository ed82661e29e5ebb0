// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package crosssigning models per-user cross-signing keys and derives
// trust from their signature chain.
//
// A user publishes three ed25519 keys: a master key (the user's root
// identity), a self-signing key (signs the user's own devices), and a
// user-signing key (signs other users' master keys). Trust flows:
//
//	local user-signing key → target master key → target self-signing
//	key → target device signing key
//
// The [Verifier] validates each hop with std crypto/ed25519 over
// Matrix canonical JSON. Derivation is pure: it never mutates stored
// device verification state — manual verification and cross-signed
// trust are combined by the caller, not here.
package crosssigning
