// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package keydist is the megolm key-distribution orchestrator: it
// decides when a room's outbound session rotates, which devices the
// session key is shared with, when a key is withheld instead, how
// incoming key-bearing to-device events are applied to local state,
// and how decrypt failures are classified and recovered.
//
// The olm and megolm ratchets themselves are opaque: the orchestrator
// drives them through the [Engine] interface and never inspects key
// material beyond passing it between the engine and the store.
//
// Incoming to-device events must be delivered to [Orchestrator.OnToDeviceEvent]
// in the order the transport received them. Out-of-order application
// is the documented cause of spurious duplicate-index and
// unknown-index decrypt failures.
package keydist
