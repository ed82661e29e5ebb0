// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptostore persists the key-distribution state that must
// survive restarts: device trust, cross-signing info, the
// shared-session ledger, withheld decisions, and inbound session
// pickles.
//
// Everything lives in one SQLite database behind lib/sqlitepool. The
// store is safe for concurrent use. The shared-session ledger
// additionally guarantees that the check-then-advance sequence in
// [Store.RecordOrAdvance] is atomic per ledger key — two concurrent
// senders racing on the same (room, session, device) tuple cannot
// both observe a stale index. This is the anti-downgrade invariant
// the rest of the subsystem leans on.
//
// The store is the sole mutator of device trust. Code that derives
// trust (cross-signing validation, manual verification) calls
// [Store.SetVerification]; nothing else writes the trust column.
package cryptostore
