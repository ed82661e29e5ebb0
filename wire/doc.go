// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the to-device and room event content shapes
// used by megolm key distribution, and the codec rules for decoding
// them tolerantly: chain indices that arrive as integral doubles are
// accepted, unknown withheld codes decode to an explicit unknown
// variant, and optional fields (room_id, session_id, from_device)
// decode to zero values rather than errors.
//
// The package is pure data transformation — no side effects, no
// store access. Field names follow the Matrix client-server spec and
// are normative; see the json tags.
package wire
