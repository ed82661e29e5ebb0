// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package keydist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/lattice-im/lattice/cryptostore"
	"github.com/lattice-im/lattice/lib/ref"
)

// spoolRecord is one queued to-device send. Ledger and ChainIndex are
// set on room-key sends so the drainer can advance the session ledger
// after the transport confirms delivery; they are nil/zero on withheld
// notices.
type spoolRecord struct {
	UserID    ref.UserID      `json:"user_id"`
	DeviceID  ref.DeviceID    `json:"device_id"`
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content"`

	Ledger     *cryptostore.LedgerKey `json:"ledger,omitempty"`
	ChainIndex int64                  `json:"chain_index,omitempty"`
}

// spool accumulates to-device sends for one fan-out pass. Small
// batches stay in memory; once the encoded size crosses the limit the
// whole batch spills to a zstd-compressed temp file with a blake3
// checksum over the compressed stream. Either way the batch is
// consumed by a single non-restartable drain.
type spool struct {
	limit int

	records []spoolRecord
	size    int

	file    *os.File
	encoder *zstd.Encoder
	hasher  *blake3.Hasher
	count   int

	drained bool
}

const defaultSpoolLimit = 1 << 20

func newSpool(limit int) *spool {
	if limit <= 0 {
		limit = defaultSpoolLimit
	}
	return &spool{limit: limit}
}

func (s *spool) add(record spoolRecord) error {
	if s.drained {
		return errors.New("keydist: spool already drained")
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("keydist: encode spool record: %w", err)
	}

	if s.file == nil {
		s.records = append(s.records, record)
		s.size += len(encoded)
		if s.size <= s.limit {
			return nil
		}
		if err := s.spill(); err != nil {
			return err
		}
		return nil
	}

	s.count++
	if _, err := s.encoder.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("keydist: spool write: %w", err)
	}
	return nil
}

// spill moves the in-memory batch to a temp file and switches the
// spool to file mode.
func (s *spool) spill() error {
	file, err := os.CreateTemp("", "lattice-spool-*.zst")
	if err != nil {
		return fmt.Errorf("keydist: spool temp file: %w", err)
	}
	// Unlink immediately: the open descriptor keeps the file alive,
	// and nothing leaks if the process dies mid-drain.
	os.Remove(file.Name())

	s.hasher = blake3.New()
	encoder, err := zstd.NewWriter(io.MultiWriter(file, s.hasher))
	if err != nil {
		file.Close()
		return fmt.Errorf("keydist: spool compressor: %w", err)
	}
	s.file = file
	s.encoder = encoder

	for _, record := range s.records {
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("keydist: encode spool record: %w", err)
		}
		s.count++
		if _, err := s.encoder.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("keydist: spool write: %w", err)
		}
	}
	s.records = nil
	s.size = 0
	return nil
}

// len returns the number of queued records.
func (s *spool) len() int {
	if s.file != nil {
		return s.count
	}
	return len(s.records)
}

// drain invokes fn once per record in insertion order, then releases
// the spool's resources. The pass is single-shot: a second drain (or
// an add after drain) fails. An fn error aborts the pass; remaining
// records are discarded with the spool.
func (s *spool) drain(fn func(spoolRecord) error) error {
	if s.drained {
		return errors.New("keydist: spool already drained")
	}
	s.drained = true

	if s.file == nil {
		records := s.records
		s.records = nil
		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	}
	defer s.close()

	if err := s.encoder.Close(); err != nil {
		return fmt.Errorf("keydist: spool flush: %w", err)
	}
	written := s.hasher.Sum(nil)

	// Verify the compressed stream against the write-side checksum
	// before handing anything to fn: a corrupted spool aborts the whole
	// drain, it never emits a single record.
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("keydist: spool rewind: %w", err)
	}
	readHasher := blake3.New()
	if _, err := io.Copy(readHasher, s.file); err != nil {
		return fmt.Errorf("keydist: verify spool: %w", err)
	}
	if read := readHasher.Sum(nil); !bytes.Equal(read, written) {
		return fmt.Errorf("keydist: spool checksum mismatch (wrote %x, read %x)", written[:8], read[:8])
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("keydist: spool rewind: %w", err)
	}
	decoder, err := zstd.NewReader(s.file)
	if err != nil {
		return fmt.Errorf("keydist: spool decompressor: %w", err)
	}
	defer decoder.Close()

	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var record spoolRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return fmt.Errorf("keydist: decode spooled record: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("keydist: read spool: %w", err)
	}
	return nil
}

func (s *spool) close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.encoder = nil
	s.hasher = nil
}
