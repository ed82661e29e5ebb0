// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/wire"
)

func spoolTestRecord(t *testing.T, n int) spoolRecord {
	t.Helper()
	userID, err := ref.ParseUserID(fmt.Sprintf("@user%d:example.org", n))
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	deviceID, err := ref.ParseDeviceID(fmt.Sprintf("DEVICE%d", n))
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	return spoolRecord{
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: wire.EventTypeRoomKeyWithheld,
		Content:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, n)),
	}
}

func drainAll(t *testing.T, batch *spool) []spoolRecord {
	t.Helper()
	var drained []spoolRecord
	err := batch.drain(func(record spoolRecord) error {
		drained = append(drained, record)
		return nil
	})
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	return drained
}

func checkSpoolOrder(t *testing.T, records []spoolRecord, count int) {
	t.Helper()
	if len(records) != count {
		t.Fatalf("drained %d records, want %d", len(records), count)
	}
	for i, record := range records {
		want := fmt.Sprintf("DEVICE%d", i)
		if record.DeviceID.String() != want {
			t.Errorf("record %d device = %s, want %s (order lost)", i, record.DeviceID, want)
		}
	}
}

func TestSpoolInMemory(t *testing.T) {
	batch := newSpool(1 << 20)
	const count = 10
	for i := 0; i < count; i++ {
		if err := batch.add(spoolTestRecord(t, i)); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if batch.len() != count {
		t.Errorf("len = %d, want %d", batch.len(), count)
	}
	checkSpoolOrder(t, drainAll(t, batch), count)
}

func TestSpoolSpillsToDisk(t *testing.T) {
	// A tiny limit forces the spill path almost immediately.
	batch := newSpool(64)
	const count = 200
	for i := 0; i < count; i++ {
		if err := batch.add(spoolTestRecord(t, i)); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if batch.len() != count {
		t.Errorf("len = %d, want %d", batch.len(), count)
	}
	checkSpoolOrder(t, drainAll(t, batch), count)
}

func TestSpoolSpillPreservesLedgerInfo(t *testing.T) {
	batch := newSpool(16)
	roomID, _ := ref.ParseRoomID("!room:example.org")
	sessionID, _ := ref.ParseSessionID("SPOOLSESSION")
	userID, _ := ref.ParseUserID("@user1:example.org")
	deviceID, _ := ref.ParseDeviceID("DEVICE1")
	identityKey, _ := ref.ParseCurve25519Key(testKeyString(1))

	ledgered := spoolTestRecord(t, 1)
	ledgered.Ledger = &cryptostore.LedgerKey{
		RoomID:      roomID,
		SessionID:   sessionID,
		Algorithm:   wire.AlgorithmMegolm,
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
	}
	ledgered.ChainIndex = 7
	if err := batch.add(spoolTestRecord(t, 0)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := batch.add(ledgered); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	records := drainAll(t, batch)
	if len(records) != 2 {
		t.Fatalf("drained %d records, want 2", len(records))
	}
	got := records[1]
	if got.Ledger == nil {
		t.Fatal("ledger key lost in spill round trip")
	}
	if got.Ledger.SessionID != sessionID || got.ChainIndex != 7 {
		t.Errorf("ledger round trip = %+v index %d, want session %s index 7",
			got.Ledger, got.ChainIndex, sessionID)
	}
}

func TestSpoolCorruptionAbortsBeforeCallback(t *testing.T) {
	batch := newSpool(16)
	const count = 50
	for i := 0; i < count; i++ {
		if err := batch.add(spoolTestRecord(t, i)); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if batch.file == nil {
		t.Fatal("batch did not spill to disk")
	}
	if err := batch.encoder.Flush(); err != nil {
		t.Fatalf("flushing spill file: %v", err)
	}

	// Flip bits in the middle of the spilled file.
	damage := make([]byte, 4)
	if _, err := batch.file.ReadAt(damage, 8); err != nil {
		t.Fatalf("reading spill file: %v", err)
	}
	for i := range damage {
		damage[i] ^= 0xff
	}
	if _, err := batch.file.WriteAt(damage, 8); err != nil {
		t.Fatalf("corrupting spill file: %v", err)
	}

	delivered := 0
	err := batch.drain(func(spoolRecord) error {
		delivered++
		return nil
	})
	if err == nil {
		t.Fatal("drain of a corrupted spool should fail")
	}
	if delivered != 0 {
		t.Errorf("corrupted spool delivered %d records before failing, want 0", delivered)
	}
}

func TestSpoolDrainIsSingleShot(t *testing.T) {
	batch := newSpool(0)
	if err := batch.add(spoolTestRecord(t, 0)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	drainAll(t, batch)

	if err := batch.drain(func(spoolRecord) error { return nil }); err == nil {
		t.Error("second drain should fail")
	}
	if err := batch.add(spoolTestRecord(t, 1)); err == nil {
		t.Error("add after drain should fail")
	}
}
