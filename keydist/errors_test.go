// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyIsTotal(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}

	plain := errors.New("socket closed")
	classified := Classify(plain)
	if classified.Code != CodeUnknownError {
		t.Errorf("code = %s, want UNKNOWN_ERROR", classified.Code)
	}
	if classified.Message == "" {
		t.Error("classified error must have a non-empty message")
	}
	if !errors.Is(classified, plain) {
		t.Error("classified error should wrap its cause")
	}

	// Already-classified errors come back unchanged, even wrapped.
	original := newError(CodeBadRecipient, "payload addressed elsewhere")
	wrapped := fmt.Errorf("processing event: %w", original)
	if got := Classify(wrapped); got != original {
		t.Errorf("Classify(wrapped) = %v, want the original error", got)
	}
}

func TestEveryCodeHasMessage(t *testing.T) {
	codes := []Code{
		CodeUnableToEncrypt, CodeUnableToDecrypt, CodeUnknownInboundSessionID,
		CodeInboundSessionMismatchRoom, CodeMissingFields, CodeBadEventFormat,
		CodeMissingSenderKey, CodeMissingCipherText, CodeBadDecryptedFormat,
		CodeNotIncludedInRecipients, CodeBadRecipient, CodeBadRecipientKey,
		CodeForwardedMessage, CodeBadRoom, CodeBadEncryptedMessage,
		CodeDuplicatedMessageIndex, CodeMissingProperty, CodeOlmError,
		CodeUnknownDevices, CodeUnknownMessageIndex, CodeUnknownError,
	}
	for _, code := range codes {
		err := newError(code, "short message")
		if err.Message == "" || err.Error() == "" {
			t.Errorf("code %s produced an empty message", code)
		}
	}
}

func TestIsOlmError(t *testing.T) {
	olmFailure := wrapError(CodeOlmError, "ratchet exploded", errors.New("BAD_MESSAGE_MAC"))
	if !IsOlmError(olmFailure) {
		t.Error("IsOlmError should be true for OLM_ERROR")
	}
	if !IsOlmError(fmt.Errorf("outer: %w", olmFailure)) {
		t.Error("IsOlmError should see through wrapping")
	}
	if IsOlmError(newError(CodeDuplicatedMessageIndex, "replay")) {
		t.Error("IsOlmError should be false for other codes")
	}
	if IsOlmError(errors.New("plain")) {
		t.Error("IsOlmError should be false for unclassified errors")
	}
}

func TestRecoverable(t *testing.T) {
	if !newError(CodeUnknownInboundSessionID, "x").Recoverable() {
		t.Error("unknown session should be recoverable")
	}
	if !newError(CodeUnknownMessageIndex, "x").Recoverable() {
		t.Error("unknown message index should be recoverable")
	}
	if newError(CodeDuplicatedMessageIndex, "x").Recoverable() {
		t.Error("replay must never be recoverable")
	}
	if newError(CodeBadRecipient, "x").Recoverable() {
		t.Error("binding mismatch must never be recoverable")
	}
}
