// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides deterministic CBOR encoding for crypto-store
// snapshots: inbound session pickles, cross-signing info blobs, and
// anything else persisted as an opaque binary column. Deterministic
// encoding (RFC 8949 §4.2) means the same logical value always
// produces identical bytes, so snapshot comparisons and content
// hashing are meaningful.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Types implementing encoding.TextMarshaler (ref.UserID,
	// ref.RoomID, ref.SessionID, etc.) serialize as CBOR text strings
	// via MarshalText. Without this, their unexported fields would
	// serialize as empty CBOR maps, losing the identifier.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Any-typed targets decode maps as map[string]any rather than
		// the CBOR default map[any]any, which encoding/json and most
		// Go code cannot consume. Struct decoding is unaffected.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are silently
// ignored for forward compatibility with older snapshots.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
