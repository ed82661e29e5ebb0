// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keyexport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"
)

// Seal encrypts the sessions to the given age recipients, for escrow
// paths where no human types a passphrase (backup daemons, device
// migration). Any matching identity opens the bundle.
func Seal(sessions []SessionExport, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("keyexport: at least one recipient required")
	}
	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("keyexport: encoding sessions: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipients...)
	if err != nil {
		return nil, fmt.Errorf("keyexport: sealing bundle: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("keyexport: writing bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("keyexport: finalizing bundle: %w", err)
	}
	return sealed.Bytes(), nil
}

// Unseal decrypts a sealed bundle with any of the given identities and
// returns the sessions it holds.
func Unseal(sealed []byte, identities ...age.Identity) ([]SessionExport, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("keyexport: at least one identity required")
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identities...)
	if err != nil {
		return nil, fmt.Errorf("keyexport: opening bundle: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("keyexport: reading bundle: %w", err)
	}

	var sessions []SessionExport
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("keyexport: decoding sessions: %w", err)
	}
	return sessions, nil
}
