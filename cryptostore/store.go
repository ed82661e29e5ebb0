// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package cryptostore

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/lattice-im/lattice/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	user_id      TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	identity_key TEXT NOT NULL,
	signing_key  TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	trust        INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
CREATE INDEX IF NOT EXISTS idx_devices_identity ON devices(identity_key);

CREATE TABLE IF NOT EXISTS cross_signing (
	user_id TEXT PRIMARY KEY,
	info    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS shared_sessions (
	room_id      TEXT NOT NULL DEFAULT '',
	session_id   TEXT NOT NULL,
	algorithm    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	identity_key TEXT NOT NULL DEFAULT '',
	chain_index  INTEGER NOT NULL,
	PRIMARY KEY (room_id, session_id, algorithm, user_id, device_id, identity_key)
);

CREATE TABLE IF NOT EXISTS withheld_sessions (
	room_id    TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL,
	algorithm  TEXT NOT NULL,
	code       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, session_id, algorithm)
);

CREATE TABLE IF NOT EXISTS inbound_sessions (
	session_id     TEXT NOT NULL,
	sender_key     TEXT NOT NULL,
	room_id        TEXT NOT NULL,
	first_index    INTEGER NOT NULL,
	shared_history INTEGER NOT NULL DEFAULT 0,
	trusted        INTEGER NOT NULL DEFAULT 1,
	pickle         BLOB NOT NULL,
	PRIMARY KEY (session_id, sender_key)
);

CREATE TABLE IF NOT EXISTS message_indices (
	session_id  TEXT NOT NULL,
	sender_key  TEXT NOT NULL,
	chain_index INTEGER NOT NULL,
	event_id    TEXT NOT NULL,
	PRIMARY KEY (session_id, sender_key, chain_index)
);

CREATE TABLE IF NOT EXISTS room_policy (
	room_id              TEXT PRIMARY KEY,
	blacklist_unverified INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// StoreConfig holds the parameters for opening a crypto store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file, created
	// if it does not exist. In-memory databases do not work with the
	// connection pool; tests use a file under t.TempDir().
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. If nil, logs are dropped.
	Logger *slog.Logger
}

// Store is the persistent crypto state store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger

	// ledgerLocks serializes check-then-advance on ledger keys.
	// Striped rather than per-key: keys hashing to the same stripe
	// share a mutex, which over-serializes slightly but never
	// under-serializes.
	ledgerLocks [64]sync.Mutex
}

// OpenStore opens (creating if necessary) the crypto store at the
// configured path. The caller must Close the store when done.
func OpenStore(cfg StoreConfig) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cryptostore: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// ledgerLock returns the stripe mutex for a ledger key.
func (s *Store) ledgerLock(key string) *sync.Mutex {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return &s.ledgerLocks[hasher.Sum32()%uint32(len(s.ledgerLocks))]
}
