package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/crumbles/internal/logging"
)

// Namespaces and meta ids used by the key manager.
const (
	NamespacePrimary   = "primary"
	NamespaceReEncrypt = "reencrypt"

	MetaActiveKeyID = "active_key_id"
)

var (
	// ErrNotFound reports a missing entry or meta id.
	ErrNotFound = errors.New("kvstore: entry not found")

	// ErrStorage reports a database or filesystem fault underneath the
	// store, as opposed to a sealing or lookup failure.
	ErrStorage = errors.New("kvstore: storage failure")
)

// Schema for the encrypted key-value store.
const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    namespace   TEXT NOT NULL,
    id          TEXT NOT NULL,
    token       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (namespace, id)
);

CREATE TABLE IF NOT EXISTS kv_meta (
    id          TEXT PRIMARY KEY,
    token       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// Entry is one decrypted record from List.
type Entry struct {
	ID      string
	Payload []byte
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeoutMs is the SQLite busy timeout. Zero means 5000.
	BusyTimeoutMs int

	Sealer Sealer
	Logger *logging.Logger
}

// Store is the SQLite-backed encrypted key-value store. Values are
// sealed before insert and opened after select; the database only ever
// sees tokens.
type Store struct {
	db     *sql.DB
	sealer Sealer
	log    *logging.Logger
	now    func() time.Time
}

// Open opens or creates the store database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("kvstore: empty database path")
	}
	if cfg.Sealer == nil {
		return nil, errors.New("kvstore: nil sealer")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busy := cfg.BusyTimeoutMs
	if busy == 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", cfg.Path, busy)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("kvstore")
	}
	return &Store{db: db, sealer: cfg.Sealer, log: log, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put seals payload and upserts it under (namespace, id).
func (s *Store) Put(namespace, id string, payload []byte) error {
	token, err := s.sealer.Seal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO kv_entries (namespace, id, token, updated_at)
		VALUES (?, ?, ?, ?)`,
		namespace, id, token, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrStorage, namespace, id, err)
	}
	return nil
}

// Get opens the payload stored under (namespace, id).
func (s *Store) Get(namespace, id string) ([]byte, error) {
	var token string
	err := s.db.QueryRow(`
		SELECT token FROM kv_entries WHERE namespace = ? AND id = ?`,
		namespace, id,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrStorage, namespace, id, err)
	}
	return s.sealer.Open(token)
}

// Delete removes (namespace, id). Deleting a missing entry is not an
// error.
func (s *Store) Delete(namespace, id string) error {
	if _, err := s.db.Exec(`
		DELETE FROM kv_entries WHERE namespace = ? AND id = ?`,
		namespace, id,
	); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStorage, namespace, id, err)
	}
	return nil
}

// List opens every entry in namespace, ordered by id. Entries whose
// tokens no longer open are skipped with a warning rather than failing
// the whole enumeration.
func (s *Store) List(namespace string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, token FROM kv_entries WHERE namespace = ? ORDER BY id`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, namespace, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id, token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, namespace, err)
		}
		payload, err := s.sealer.Open(token)
		if err != nil {
			s.log.Warn("skipping unreadable entry", "namespace", namespace, "id", id, "error", err)
			continue
		}
		out = append(out, Entry{ID: id, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, namespace, err)
	}
	return out, nil
}

// SetMeta seals value and upserts it under id in the meta table.
func (s *Store) SetMeta(id, value string) error {
	token, err := s.sealer.Seal([]byte(value))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO kv_meta (id, token, updated_at)
		VALUES (?, ?, ?)`,
		id, token, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("%w: set meta %s: %v", ErrStorage, id, err)
	}
	return nil
}

// GetMeta opens the meta value stored under id.
func (s *Store) GetMeta(id string) (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT token FROM kv_meta WHERE id = ?`, id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get meta %s: %v", ErrStorage, id, err)
	}
	payload, err := s.sealer.Open(token)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// DeleteMeta removes the meta value under id. Missing ids are fine.
func (s *Store) DeleteMeta(id string) error {
	if _, err := s.db.Exec(`DELETE FROM kv_meta WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: delete meta %s: %v", ErrStorage, id, err)
	}
	return nil
}
