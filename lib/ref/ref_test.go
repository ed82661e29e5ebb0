// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"encoding/json"
	"testing"
)

func TestParseUserID(t *testing.T) {
	valid := []string{
		"@alice:example.org",
		"@bob:localhost",
		"@a:b",
	}
	for _, raw := range valid {
		userID, err := ParseUserID(raw)
		if err != nil {
			t.Errorf("ParseUserID(%q) failed: %v", raw, err)
			continue
		}
		if userID.String() != raw {
			t.Errorf("ParseUserID(%q).String() = %q", raw, userID.String())
		}
	}

	invalid := []string{
		"",
		"alice:example.org",
		"@alice",
		"@:example.org",
		"@alice:",
	}
	for _, raw := range invalid {
		if _, err := ParseUserID(raw); err == nil {
			t.Errorf("ParseUserID(%q) should have failed", raw)
		}
	}
}

func TestUserIDServer(t *testing.T) {
	userID, err := ParseUserID("@alice:example.org")
	if err != nil {
		t.Fatalf("ParseUserID failed: %v", err)
	}
	if userID.Server() != "example.org" {
		t.Errorf("Server() = %q, want %q", userID.Server(), "example.org")
	}
}

func TestParseRoomID(t *testing.T) {
	roomID, err := ParseRoomID("!abc123:example.org")
	if err != nil {
		t.Fatalf("ParseRoomID failed: %v", err)
	}
	if roomID.IsZero() {
		t.Error("parsed room ID reports IsZero")
	}

	for _, raw := range []string{"", "abc:server", "!abc", "!:server"} {
		if _, err := ParseRoomID(raw); err == nil {
			t.Errorf("ParseRoomID(%q) should have failed", raw)
		}
	}
}

func TestCurve25519KeyValidation(t *testing.T) {
	// 32 bytes of zeros in unpadded base64.
	valid := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	key, err := ParseCurve25519Key(valid)
	if err != nil {
		t.Fatalf("ParseCurve25519Key failed: %v", err)
	}
	if key.String() != valid {
		t.Errorf("String() = %q", key.String())
	}

	invalid := []string{
		"",
		"not base64!!!",
		"AAAA", // too short
		"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", // padded
	}
	for _, raw := range invalid {
		if _, err := ParseCurve25519Key(raw); err == nil {
			t.Errorf("ParseCurve25519Key(%q) should have failed", raw)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		User    UserID        `json:"user"`
		Room    RoomID        `json:"room,omitempty"`
		Device  DeviceID      `json:"device,omitempty"`
		Session SessionID     `json:"session,omitempty"`
		Sender  Curve25519Key `json:"sender,omitempty"`
	}

	userID, _ := ParseUserID("@alice:example.org")
	roomID, _ := ParseRoomID("!room:example.org")
	deviceID, _ := ParseDeviceID("DEVICE1")
	sessionID, _ := ParseSessionID("sess-abc")
	sender, _ := ParseCurve25519Key("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	original := payload{User: userID, Room: roomID, Device: deviceID, Session: sessionID, Sender: sender}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded payload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalEmptyIsZero(t *testing.T) {
	var roomID RoomID
	if err := roomID.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !roomID.IsZero() {
		t.Error("empty input should produce zero RoomID")
	}

	var deviceID DeviceID
	if err := deviceID.UnmarshalText([]byte{}); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if !deviceID.IsZero() {
		t.Error("empty input should produce zero DeviceID")
	}
}

func TestUnmarshalInvalidUserID(t *testing.T) {
	var userID UserID
	if err := json.Unmarshal([]byte(`"not-a-user-id"`), &userID); err == nil {
		t.Error("unmarshal of invalid user ID should fail")
	}
}
