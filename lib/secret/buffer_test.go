// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("megolm-session-key-material")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed", index)
		}
	}
	if string(buffer.Bytes()) != "megolm-session-key-material" {
		t.Errorf("buffer contents corrupted: %q", buffer.Bytes())
	}
}

func TestNewFromString(t *testing.T) {
	buffer, err := NewFromString("passphrase")
	if err != nil {
		t.Fatalf("NewFromString failed: %v", err)
	}
	defer buffer.Close()

	if buffer.String() != "passphrase" {
		t.Errorf("String() = %q", buffer.String())
	}
	if buffer.Len() != len("passphrase") {
		t.Errorf("Len() = %d", buffer.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestReadAfterClosePanics(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close should panic")
		}
	}()
	_ = buffer.Bytes()
}

func TestNewRejectsInvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) should fail")
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) should fail")
	}
}

func TestBufferIsWritable(t *testing.T) {
	buffer, err := New(4)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer buffer.Close()

	copy(buffer.Bytes(), []byte{1, 2, 3, 4})
	if !bytes.Equal(buffer.Bytes(), []byte{1, 2, 3, 4}) {
		t.Errorf("buffer contents = %v", buffer.Bytes())
	}
}
