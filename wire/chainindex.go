// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ChainIndex is a megolm message ordinal. Some homeservers and older
// clients emit chain_index as a JSON double ("5.0" instead of "5"), so
// decoding accepts any number with a zero fractional part. A non-zero
// fractional part is rejected — a fractional ratchet position has no
// meaning and indicates a corrupt event. This is a deliberate
// deviation from clients that silently truncated.
type ChainIndex int64

// UnmarshalJSON accepts integers and integral doubles.
func (c *ChainIndex) UnmarshalJSON(data []byte) error {
	text := string(data)
	if text == "null" {
		return fmt.Errorf("chain index is null")
	}

	if !strings.ContainsAny(text, ".eE") {
		value, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chain index %s: %w", text, err)
		}
		*c = ChainIndex(value)
		return nil
	}

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("invalid chain index %s: %w", text, err)
	}
	integral, fractional := math.Modf(value)
	if fractional != 0 {
		return fmt.Errorf("chain index %s has a fractional part", text)
	}
	if integral < math.MinInt64 || integral > math.MaxInt64 {
		return fmt.Errorf("chain index %s out of range", text)
	}
	*c = ChainIndex(int64(integral))
	return nil
}

// MarshalJSON always emits an integer.
func (c ChainIndex) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(c), 10)), nil
}
