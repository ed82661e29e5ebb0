// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifiers for the
// crypto subsystem: Matrix user IDs, room IDs, device IDs, megolm
// session IDs, and curve25519/ed25519 public keys.
//
// Raw strings from the wire are parsed into ref types at the boundary
// (event decoding, store reads) and stay typed from there on. This
// prevents the classic confusion bugs in key-distribution code where a
// sender key, a session ID, and a device ID are all opaque strings
// that compile fine in each other's positions.
//
// All constructors validate their inputs and return errors for invalid
// values. Once constructed, a ref is immutable. The zero value of every
// ref type is invalid; use IsZero to check. JSON marshaling uses the
// canonical string form via encoding.TextMarshaler.
package ref
