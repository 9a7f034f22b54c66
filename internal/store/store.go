// Package store implements the durable SQL-backed state store: runs, gate
// results and artifacts, idempotency keys, alert-delivery records, and
// loop-triage attempts, behind a schema-versioned API that distinguishes
// writable, read-only-forward, and forward-incompatible states.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ralph-labs/ralphd/internal/logging"
)

// ProbeStatus is the outcome of probing a database file's schema version
// against this binary's supported range.
type ProbeStatus string

const (
	ProbeOK              ProbeStatus = "ok"
	ProbeReadableForward ProbeStatus = "readable_forward"
	ProbeForwardIncompat ProbeStatus = "forward_incompatible"
)

// ProbeResult is what Probe returns before a Store is constructed.
type ProbeResult struct {
	Status         ProbeStatus
	SchemaVersion  int
	SupportedRange [2]int
	WritableRange  [2]int
}

// Store is the durable state store. Every access, read or write, goes
// through a single connection (SetMaxOpenConns(1)), so write transactions
// serialize and reads take turns on that same connection.
type Store struct {
	db       *sql.DB
	readOnly bool
	mu       sync.Mutex // serializes writes
}

// Probe opens path read-only just long enough to read schema_meta and
// classify the database without taking a write lock. A missing file or
// missing schema_meta is reported as version 0 (eligible for initWritable).
func Probe(path string) (ProbeResult, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return ProbeResult{}, fmt.Errorf("open for probe: %w", err)
	}
	defer db.Close()

	version := 0
	row := db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	_ = row.Scan(&version) // absent table/row => version stays 0

	return classifyProbe(version), nil
}

func classifyProbe(version int) ProbeResult {
	res := ProbeResult{
		SchemaVersion:  version,
		SupportedRange: [2]int{minWritableSchema, maxSupportedSchema},
		WritableRange:  [2]int{minWritableSchema, maxWritableSchema},
	}
	switch {
	case version <= maxWritableSchema:
		res.Status = ProbeOK
	case version <= maxSupportedSchema:
		res.Status = ProbeReadableForward
	default:
		res.Status = ProbeForwardIncompat
	}
	return res
}

// Open probes path and opens it in the mode the probe result allows:
// read-write for ProbeOK, read-only for ProbeReadableForward, and an error
// for ProbeForwardIncompat.
func Open(path string) (*Store, error) {
	res, err := Probe(path)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case ProbeForwardIncompat:
		return nil, &ErrForwardIncompatible{
			SchemaVersion:  res.SchemaVersion,
			SupportedRange: res.SupportedRange,
			WritableRange:  res.WritableRange,
		}
	case ProbeReadableForward:
		return openReadOnly(path)
	default:
		return InitWritable(path)
	}
}

func openReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open read-only: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, readOnly: true}, nil
}

// InitWritable opens path read-write, creating the file and schema if
// necessary, and applies any pending migration in migrations[] whose index
// (1-based) is greater than the version recorded in schema_meta.
// Down-migrations are never performed; a version already at or above the
// target is left untouched.
func InitWritable(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open writable: %w", err)
	}
	db.SetMaxOpenConns(1) // single connection so write txns serialize

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	row := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		current = 0 // table does not exist yet
	}

	log := logging.WithComponent("store")
	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`DELETE FROM schema_meta`); err != nil {
			tx.Rollback()
			return fmt.Errorf("clear schema_meta for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema_meta for migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		log.Info().Int("version", version).Msg("applied schema migration")
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReadOnly reports whether this Store was opened read-only (schema newer
// than maxWritableSchema but within maxSupportedSchema).
func (s *Store) ReadOnly() bool { return s.readOnly }

func (s *Store) requireWritable() error {
	if s.readOnly {
		return fmt.Errorf("store: opened read-only, schema is forward of the writable range")
	}
	return nil
}
