// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// KeyFingerprint returns a short hex digest of key material for log
// output. Session keys and sender keys must never be logged raw; the
// fingerprint is enough to correlate log lines about the same key
// without disclosing it.
func KeyFingerprint(material string) string {
	digest := blake3.Sum256([]byte(material))
	return hex.EncodeToString(digest[:8])
}
