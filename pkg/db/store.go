package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps one database connection and exposes the closed set of named
// operations. Each Pool worker owns its own Store; tasks never share one.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn and verifies the schema version.
// The dsn is a sqlite path or file: URI; standard pragmas (foreign keys,
// WAL, busy timeout) are applied unless the caller set their own.
func Open(dsn string) (*Store, error) {
	s, err := open(dsn)
	if err != nil {
		return nil, err
	}
	version, err := s.SchemaVersion()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: cannot read schema version: %v", ErrVersionMismatch, err)
	}
	if version != SchemaVersion {
		s.Close()
		return nil, fmt.Errorf("%w: database has version %d, this master requires %d (run kiln-migrate)",
			ErrVersionMismatch, version, SchemaVersion)
	}
	return s, nil
}

// Initialize opens dsn and creates the schema. It fails if the database
// already contains one. Used by kiln-migrate and by tests.
func Initialize(dsn string) (*Store, error) {
	s, err := open(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(Schema); err != nil {
		s.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func open(dsn string) (*Store, error) {
	if !strings.Contains(dsn, "?") {
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		dsn += "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One Store is one logical connection; pooling happens in Pool.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the stored schema revision.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT schema_version FROM configuration WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, mapErr(err)
	}
	return version, nil
}

// tx runs fn inside one transaction, the unit of every named operation.
func (s *Store) tx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
