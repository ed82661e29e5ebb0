// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChainIndexDecoding(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    ChainIndex
		wantErr bool
	}{
		{name: "integer", input: `5`, want: 5},
		{name: "integral double", input: `5.0`, want: 5},
		{name: "zero", input: `0`, want: 0},
		{name: "scientific notation", input: `1e2`, want: 100},
		{name: "fractional", input: `5.5`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "string", input: `"5"`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var index ChainIndex
			err := json.Unmarshal([]byte(tc.input), &index)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("decoding %s should have failed, got %d", tc.input, index)
				}
				return
			}
			if err != nil {
				t.Fatalf("decoding %s failed: %v", tc.input, err)
			}
			if index != tc.want {
				t.Errorf("decoded %s as %d, want %d", tc.input, index, tc.want)
			}
		})
	}
}

func TestChainIndexMarshalsAsInteger(t *testing.T) {
	data, err := json.Marshal(ChainIndex(7))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != "7" {
		t.Errorf("marshaled as %s, want 7", data)
	}
}

func TestRoomKeyContentDecoding(t *testing.T) {
	raw := `{
		"algorithm": "m.megolm.v1.aes-sha2",
		"room_id": "!room:example.org",
		"session_id": "sessABC",
		"session_key": "AgAAAA...",
		"chain_index": 2.0,
		"org.matrix.msc3061.shared_history": true
	}`

	var content RoomKeyContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := content.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if content.ChainIndex != 2 {
		t.Errorf("chain index = %d, want 2", content.ChainIndex)
	}
	if !content.SharedHistory {
		t.Error("shared history flag not decoded")
	}
	if content.RoomID.String() != "!room:example.org" {
		t.Errorf("room ID = %s", content.RoomID)
	}
}

func TestRoomKeyContentValidation(t *testing.T) {
	var content RoomKeyContent
	if err := json.Unmarshal([]byte(`{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!r:s"}`), &content); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := content.Validate(); err == nil {
		t.Error("content without session fields should fail validation")
	}

	if err := json.Unmarshal([]byte(`{"algorithm":"m.olm.v1.curve25519-aes-sha2"}`), &content); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := content.Validate(); err == nil {
		t.Error("wrong algorithm should fail validation")
	}
}

func TestEncryptionEventDefaults(t *testing.T) {
	var content EncryptionEventContent
	if err := json.Unmarshal([]byte(`{"algorithm":"m.megolm.v1.aes-sha2"}`), &content); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if content.RotationPeriod() != 7*24*time.Hour {
		t.Errorf("default rotation period = %v", content.RotationPeriod())
	}
	if content.RotationMessages() != 100 {
		t.Errorf("default rotation messages = %d", content.RotationMessages())
	}

	configured := `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":60000,"rotation_period_msgs":2}`
	if err := json.Unmarshal([]byte(configured), &content); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if content.RotationPeriod() != time.Minute {
		t.Errorf("rotation period = %v, want 1m", content.RotationPeriod())
	}
	if content.RotationMessages() != 2 {
		t.Errorf("rotation messages = %d, want 2", content.RotationMessages())
	}
}

func TestOlmEnvelopeCiphertextFor(t *testing.T) {
	raw := `{
		"algorithm": "m.olm.v1.curve25519-aes-sha2",
		"sender_key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		"ciphertext": {
			"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA": {"type": 0, "body": "cipher"}
		}
	}`
	var envelope OlmEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	message, ok := envelope.CiphertextFor(envelope.SenderKey)
	if !ok {
		t.Fatal("ciphertext for own key not found")
	}
	if message.Type != 0 || message.Body != "cipher" {
		t.Errorf("unexpected message: %+v", message)
	}
}

func TestKeyFingerprintIsStableAndShort(t *testing.T) {
	first := KeyFingerprint("AgAAAA-session-key")
	second := KeyFingerprint("AgAAAA-session-key")
	if first != second {
		t.Error("fingerprint is not deterministic")
	}
	if len(first) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(first))
	}
	if first == KeyFingerprint("different") {
		t.Error("distinct keys produced the same fingerprint")
	}
}
