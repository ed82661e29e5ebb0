// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"errors"
	"fmt"
)

// Code identifies one failure class in the crypto error taxonomy. The
// set is closed: every failure this package reports carries one of the
// codes below, with CodeUnknownError as the fallback for anything
// unrecognized.
type Code string

const (
	CodeUnableToEncrypt            Code = "UNABLE_TO_ENCRYPT"
	CodeUnableToDecrypt            Code = "UNABLE_TO_DECRYPT"
	CodeUnknownInboundSessionID    Code = "UNKNOWN_INBOUND_SESSION_ID"
	CodeInboundSessionMismatchRoom Code = "INBOUND_SESSION_MISMATCH_ROOM_ID"
	CodeMissingFields              Code = "MISSING_FIELDS"
	CodeBadEventFormat             Code = "BAD_EVENT_FORMAT"
	CodeMissingSenderKey           Code = "MISSING_SENDER_KEY"
	CodeMissingCipherText          Code = "MISSING_CIPHER_TEXT"
	CodeBadDecryptedFormat         Code = "BAD_DECRYPTED_FORMAT"
	CodeNotIncludedInRecipients    Code = "NOT_INCLUDED_IN_RECIPIENTS"
	CodeBadRecipient               Code = "BAD_RECIPIENT"
	CodeBadRecipientKey            Code = "BAD_RECIPIENT_KEY"
	CodeForwardedMessage           Code = "FORWARDED_MESSAGE"
	CodeBadRoom                    Code = "BAD_ROOM"
	CodeBadEncryptedMessage        Code = "BAD_ENCRYPTED_MESSAGE"
	CodeDuplicatedMessageIndex     Code = "DUPLICATED_MESSAGE_INDEX"
	CodeMissingProperty            Code = "MISSING_PROPERTY"
	CodeOlmError                   Code = "OLM_ERROR"
	CodeUnknownDevices             Code = "UNKNOWN_DEVICES"
	CodeUnknownMessageIndex        Code = "UNKNOWN_MESSAGE_INDEX"
	CodeUnknownError               Code = "UNKNOWN_ERROR"
)

// CryptoError is a classified crypto failure: a code from the closed
// taxonomy, a short human-readable message, optional detail, and an
// optional opaque payload (for example the list of unknown devices on
// CodeUnknownDevices).
type CryptoError struct {
	Code    Code
	Message string
	Detail  string

	// Extra carries code-specific payload for callers that inspect it.
	Extra any

	cause error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("keydist: %s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("keydist: %s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *CryptoError) Unwrap() error { return e.cause }

// Recoverable reports whether the failure can be recovered by
// re-requesting the session key from the claimed sender.
func (e *CryptoError) Recoverable() bool {
	return e.Code == CodeUnknownInboundSessionID || e.Code == CodeUnknownMessageIndex
}

func newError(code Code, message string) *CryptoError {
	return &CryptoError{Code: code, Message: message}
}

func wrapError(code Code, message string, cause error) *CryptoError {
	err := &CryptoError{Code: code, Message: message, cause: cause}
	if cause != nil {
		err.Detail = cause.Error()
	}
	return err
}

// IsCryptoError reports whether err is (or wraps) a CryptoError with
// the given code.
func IsCryptoError(err error, code Code) bool {
	var cryptoErr *CryptoError
	return errors.As(err, &cryptoErr) && cryptoErr.Code == code
}

// IsOlmError reports whether err was classified as a failure of the
// olm primitive itself. Derived from the code, not stored state.
func IsOlmError(err error) bool {
	return IsCryptoError(err, CodeOlmError)
}

// Classify maps any failure to a CryptoError. Total: an error that is
// not already classified comes back as CodeUnknownError with the
// original message preserved, and nil input yields nil. Never panics.
func Classify(err error) *CryptoError {
	if err == nil {
		return nil
	}
	var cryptoErr *CryptoError
	if errors.As(err, &cryptoErr) {
		return cryptoErr
	}
	return &CryptoError{
		Code:    CodeUnknownError,
		Message: "unclassified crypto failure",
		Detail:  err.Error(),
		cause:   err,
	}
}
