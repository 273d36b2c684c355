package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a reference to a missing package, version,
	// build or file.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity reports an invariant violation: a successful build
	// with zero files, the upstream serial going backwards, a
	// constraint breach.
	ErrIntegrity = errors.New("integrity violation")

	// ErrUnavailable reports pool exhaustion or a database that cannot
	// be reached within the request timeout.
	ErrUnavailable = errors.New("database unavailable")

	// ErrVersionMismatch reports a schema version the master does not
	// understand. Fatal at startup.
	ErrVersionMismatch = errors.New("schema version mismatch")
)

// mapErr normalizes driver errors onto the package sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return err
}
