// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyexport reads and writes portable backups of inbound
// megolm sessions, in two containers: the interoperable
// passphrase-protected format (the "MEGOLM SESSION DATA" armor other
// Matrix clients produce and accept) and age-sealed bundles for
// machine-to-machine escrow.
package keyexport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/lattice-im/lattice/lib/ref"
	"github.com/lattice-im/lattice/lib/secret"
)

// SessionExport is one exported inbound session, in the wire shape
// shared by the export file format and forwarded room keys.
type SessionExport struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            ref.RoomID        `json:"room_id"`
	SenderKey         ref.Curve25519Key `json:"sender_key"`
	SessionID         ref.SessionID     `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain,omitempty"`
	SharedHistory     bool              `json:"org.matrix.msc3061.shared_history,omitempty"`
}

const (
	headerLine = "-----BEGIN MEGOLM SESSION DATA-----"
	footerLine = "-----END MEGOLM SESSION DATA-----"

	formatVersion = 1

	saltLength = 16
	ivLength   = 16
	macLength  = 32

	// DefaultRounds is the PBKDF2 iteration count for new exports.
	DefaultRounds = 500000
)

// Encrypt serializes the sessions and encrypts them under the
// passphrase in the interoperable armored format: PBKDF2-SHA512
// derives an AES-256-CTR key and an HMAC-SHA256 key, and the MAC
// covers the whole binary body.
func Encrypt(sessions []SessionExport, passphrase *secret.Buffer, rounds int) ([]byte, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, fmt.Errorf("keyexport: passphrase is empty")
	}
	if rounds <= 0 {
		rounds = DefaultRounds
	}

	plaintext, err := json.Marshal(sessions)
	if err != nil {
		return nil, fmt.Errorf("keyexport: encoding sessions: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keyexport: generating salt: %w", err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("keyexport: generating IV: %w", err)
	}
	// Clear bit 63 of the counter so CTR never overflows within one
	// export (interop requirement of the format).
	iv[8] &= 0x7f

	derived := pbkdf2.Key(passphrase.Bytes(), salt, rounds, 64, sha512.New)
	aesKey, macKey := derived[:32], derived[32:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("keyexport: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	body := make([]byte, 0, 1+saltLength+ivLength+4+len(ciphertext)+macLength)
	body = append(body, formatVersion)
	body = append(body, salt...)
	body = append(body, iv...)
	body = binary.BigEndian.AppendUint32(body, uint32(rounds))
	body = append(body, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	return armor(body), nil
}

// Decrypt opens an armored export with the passphrase and returns the
// sessions it holds. The MAC is verified before any plaintext is
// parsed.
func Decrypt(armored []byte, passphrase *secret.Buffer) ([]SessionExport, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, fmt.Errorf("keyexport: passphrase is empty")
	}
	body, err := dearmor(armored)
	if err != nil {
		return nil, err
	}
	if len(body) < 1+saltLength+ivLength+4+macLength {
		return nil, fmt.Errorf("keyexport: export truncated (%d bytes)", len(body))
	}
	if body[0] != formatVersion {
		return nil, fmt.Errorf("keyexport: unsupported format version %d", body[0])
	}

	salt := body[1 : 1+saltLength]
	iv := body[1+saltLength : 1+saltLength+ivLength]
	rounds := binary.BigEndian.Uint32(body[1+saltLength+ivLength:])
	ciphertext := body[1+saltLength+ivLength+4 : len(body)-macLength]
	wantMAC := body[len(body)-macLength:]

	derived := pbkdf2.Key(passphrase.Bytes(), salt, int(rounds), 64, sha512.New)
	aesKey, macKey := derived[:32], derived[32:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(body[:len(body)-macLength])
	if subtle.ConstantTimeCompare(mac.Sum(nil), wantMAC) != 1 {
		return nil, fmt.Errorf("keyexport: MAC mismatch (wrong passphrase or corrupt export)")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("keyexport: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)

	var sessions []SessionExport
	if err := json.Unmarshal(plaintext, &sessions); err != nil {
		return nil, fmt.Errorf("keyexport: decoding sessions: %w", err)
	}
	return sessions, nil
}

// armor wraps the binary body in the BEGIN/END lines with base64
// wrapped at 96 columns.
func armor(body []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(body)
	var out bytes.Buffer
	out.WriteString(headerLine)
	out.WriteByte('\n')
	for len(encoded) > 0 {
		line := encoded
		if len(line) > 96 {
			line = line[:96]
		}
		out.WriteString(line)
		out.WriteByte('\n')
		encoded = encoded[len(line):]
	}
	out.WriteString(footerLine)
	out.WriteByte('\n')
	return out.Bytes()
}

func dearmor(armored []byte) ([]byte, error) {
	var encoded bytes.Buffer
	inBody := false
	sawFooter := false
	for _, line := range bytes.Split(armored, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.Equal(line, []byte(headerLine)):
			inBody = true
		case bytes.Equal(line, []byte(footerLine)):
			sawFooter = true
			inBody = false
		case inBody:
			encoded.Write(line)
		}
	}
	if !sawFooter || encoded.Len() == 0 {
		return nil, fmt.Errorf("keyexport: no MEGOLM SESSION DATA block found")
	}
	body, err := base64.StdEncoding.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("keyexport: invalid base64 in export: %w", err)
	}
	return body, nil
}
